// Package infra implements infrastructure concerns (stores, processes, paths).
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser keeps the ledger under the user's home directory.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps the ledger in a system directory (root).
	ExecModeSystem ExecMode = "system"
)

// Paths holds the on-disk locations derived from the data directory.
type Paths struct {
	Mode     ExecMode
	DataDir  string // Root of everything below
	StoreDir string // File backend: one file per key
	DBPath   string // SQLite and SQLCipher backends
	KeyPath  string // SQLCipher key file
	LogPath  string // Observer log file
}

// PathsFor derives paths under dataDir. Empty selects DefaultDataDir.
func PathsFor(dataDir string) *Paths {
	mode := ExecModeUser
	if os.Geteuid() == 0 {
		mode = ExecModeSystem
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	return &Paths{
		Mode:     mode,
		DataDir:  dataDir,
		StoreDir: filepath.Join(dataDir, "ledger"),
		DBPath:   filepath.Join(dataDir, "ledger.db"),
		KeyPath:  filepath.Join(dataDir, keyFileName),
		LogPath:  filepath.Join(dataDir, "screenledger.log"),
	}
}

// DefaultDataDir returns /var/lib/screenledger for root and
// ~/.screenledger otherwise.
func DefaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/screenledger"
	}
	return filepath.Join(GetRealUserHome(), ".screenledger")
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
