package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

const (
	keyFileName = "ledger.key"
	keySize     = 32 // SQLCipher raw key
)

// LedgerKeyFile keeps the ledger key hex-encoded in an owner-only file in the
// shared data directory.
type LedgerKeyFile struct {
	path string
}

var _ domain.LedgerKeySource = (*LedgerKeyFile)(nil)

func NewLedgerKeyFile(path string) *LedgerKeyFile {
	return &LedgerKeyFile{path: path}
}

func (f *LedgerKeyFile) Path() string {
	return f.path
}

func (f *LedgerKeyFile) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("ledger key %s is not hex: %w", f.path, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("ledger key has %d bytes, want %d", len(key), keySize)
	}
	return key, nil
}

// Create writes key to a temporary file and links it into place, so a
// concurrent Load never sees a partial key and only one creator wins.
func (f *LedgerKeyFile) Create(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("ledger key has %d bytes, want %d", len(key), keySize)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, keyFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	if err := os.Link(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to install ledger key: %w", err)
	}
	return nil
}

// GenerateKey returns a random ledger key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate ledger key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey returns the stored key. On first use it creates one; if the
// other process created it first, that key is returned instead.
func LoadOrCreateKey(src domain.LedgerKeySource) ([]byte, error) {
	key, err := src.Load()
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return key, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	err = src.Create(key)
	if errors.Is(err, fs.ErrExist) {
		return src.Load()
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}
