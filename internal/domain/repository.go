package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by LedgerStore.Get when the key is absent.
	ErrNotFound = errors.New("not found")

	// ErrUnknownApp is returned when a logical ID has no identity record.
	ErrUnknownApp = errors.New("unknown app")
)

// LedgerStore is the durable, cross-process key/value substrate.
// Every write replaces the whole value of one key; the last write to a key wins.
// Implementations: file directory, SQLite, SQLCipher, Redis, memory.
type LedgerStore interface {
	// Get returns the stored bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources (e.g., database connection).
	Close() error
}

// BlockingSink is the outbound command sink to the platform blocking mechanism.
type BlockingSink interface {
	// Block asks the platform to shield the app.
	Block(ctx context.Context, app AppIdentity) error

	// Unblock lifts the shield.
	Unblock(ctx context.Context, app AppIdentity) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// MemoryProbe reports the resident memory of the current process.
type MemoryProbe interface {
	MemoryUsageMB() float64
}

// LedgerKeySource holds the passphrase of the encrypted ledger database.
// Both processes must open the database with the same key.
type LedgerKeySource interface {
	// Load returns the stored key.
	Load() ([]byte, error)

	// Create stores key unless one already exists, in which case it fails
	// with an error matching fs.ErrExist.
	Create(key []byte) error
}
