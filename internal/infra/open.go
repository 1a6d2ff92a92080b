package infra

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// StoreOptions selects a ledger store backend.
type StoreOptions struct {
	Backend string // file, sqlite, encrypted, redis, memory
	Path    string // Directory (file) or database file; empty derives from Paths
	KeyFile string // Encrypted backend; empty derives from Paths
	Redis   RedisOptions
	Timeout time.Duration
}

// OpenStore opens the configured backend.
func OpenStore(opts StoreOptions, paths *Paths, logger *zap.Logger) (domain.LedgerStore, error) {
	switch opts.Backend {
	case "", "file":
		dir := opts.Path
		if dir == "" {
			dir = paths.StoreDir
		}
		logger.Debug("opening file store", zap.String("dir", dir))
		return NewFileStore(dir)

	case "sqlite":
		return NewSQLiteStore(orDefault(opts.Path, paths.DBPath))

	case "encrypted":
		keyFile := NewLedgerKeyFile(orDefault(opts.KeyFile, paths.KeyPath))
		key, err := LoadOrCreateKey(keyFile)
		if err != nil {
			return nil, fmt.Errorf("ledger key: %w", err)
		}
		return NewEncryptedStore(orDefault(opts.Path, paths.DBPath), key)

	case "redis":
		if opts.Redis.DialTimeout <= 0 {
			opts.Redis.DialTimeout = opts.Timeout
		}
		return NewRedisStore(opts.Redis)

	case "memory":
		logger.Warn("using in-memory ledger store; nothing will persist")
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
