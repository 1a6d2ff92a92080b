package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	_ "modernc.org/sqlite"

	"github.com/aminenidae/screentime-rewards/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// busyTimeoutMillis is how long a connection waits on the other process's
// write lock before failing with SQLITE_BUSY.
const busyTimeoutMillis = 2000

// sqlKV implements domain.LedgerStore over a single kv table. Shared by the
// plain and encrypted SQLite stores.
type sqlKV struct {
	db     *sql.DB
	dbPath string
}

func openSQLKV(driver, dsn, dbPath string) (*sqlKV, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &sqlKV{db: db, dbPath: dbPath}, nil
}

func (s *sqlKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *sqlKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix(),
	)
	return err
}

func (s *sqlKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *sqlKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlKV) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *sqlKV) Path() string {
	return s.dbPath
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SQLiteStore is a LedgerStore in a plain SQLite file, using the cgo-free
// modernc driver.
type SQLiteStore struct {
	*sqlKV
}

var _ domain.LedgerStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Pragmas in the DSN run on every pooled connection. Both processes open
	// the file; WAL lets the observer write while the main process reads.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dbPath, busyTimeoutMillis)
	kv, err := openSQLKV("sqlite", dsn, dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlKV: kv}, nil
}

// EncryptedStore is a LedgerStore in a SQLCipher encrypted database.
type EncryptedStore struct {
	*sqlKV
}

var _ domain.LedgerStore = (*EncryptedStore)(nil)

// NewEncryptedStore opens (or creates) an encrypted database at dbPath.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dbPath string, key []byte) (*EncryptedStore, error) {
	keyHex := hex.EncodeToString(key)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=%d&_journal_mode=WAL",
		dbPath, keyHex, busyTimeoutMillis)

	kv, err := openSQLKV("sqlite3", dsn, dbPath)
	if err != nil {
		return nil, fmt.Errorf("encrypted store: %w", err)
	}
	return &EncryptedStore{sqlKV: kv}, nil
}
