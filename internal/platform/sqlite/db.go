package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TxLockMode is the locking mode used by BEGIN.
type TxLockMode string

const (
	// TxLockDeferred takes locks on first read or write (SQLite default).
	TxLockDeferred TxLockMode = "deferred"
	// TxLockImmediate takes the RESERVED lock at BEGIN.
	TxLockImmediate TxLockMode = "immediate"
	// TxLockExclusive takes the EXCLUSIVE lock at BEGIN.
	TxLockExclusive TxLockMode = "exclusive"
)

// AccessMode is the SQLite open mode.
type AccessMode string

const (
	AccessModeReadWrite       AccessMode = "rw"
	AccessModeReadOnly        AccessMode = "ro"
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// Options configures Open.
type Options struct {
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	PingTimeout     time.Duration
	WALMode         bool
	ForeignKeys     bool
	// BusyTimeout is how long SQLite itself waits on a lock before
	// returning SQLITE_BUSY. Zero fails immediately.
	BusyTimeout time.Duration
	TxLockMode  TxLockMode
	AccessMode  AccessMode
}

// DefaultOptions returns settings for a single-process embedded database.
func DefaultOptions() Options {
	return Options{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    4, // one writer at a time anyway
		MaxIdleConns:    1,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
		TxLockMode:      TxLockImmediate,
		AccessMode:      AccessModeReadWriteCreate,
	}
}

// Open opens the database at path, creating its directory when needed,
// and checks the connection.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path != ":memory:" && opts.AccessMode != AccessModeReadOnly {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", BuildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx := ctx
	if opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}

// OpenInMemory opens a private in-memory database on a single connection.
func OpenInMemory(ctx context.Context) (*sql.DB, error) {
	opts := DefaultOptions()
	opts.WALMode = false
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	opts.ConnMaxLifetime = 0
	opts.ConnMaxIdleTime = 0
	opts.AccessMode = ""
	return Open(ctx, ":memory:", opts)
}

// BuildDSN renders path and opts as a modernc.org/sqlite DSN. PRAGMAs go
// through _pragma parameters so each new connection applies them.
func BuildDSN(path string, opts Options) string {
	q := url.Values{}
	if opts.AccessMode != "" && opts.AccessMode != AccessModeReadWrite {
		q.Set("mode", string(opts.AccessMode))
	}
	if opts.TxLockMode != "" && opts.TxLockMode != TxLockDeferred {
		q.Set("_txlock", string(opts.TxLockMode))
	}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	if opts.ForeignKeys {
		q.Add("_pragma", "foreign_keys(1)")
	}
	if opts.WALMode {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}
