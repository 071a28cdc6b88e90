package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the SQLite connection for the app-owned cache.db.
//
// A DB may be disabled: if the file cannot be opened every operation becomes
// a silent no-op and reads return empty results. The cache is an
// optimization; the host must keep working without it.
type DB struct {
	sql      *sql.DB
	logger   *zap.Logger
	disabled bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{sql: db, logger: logger}, nil
}

// OpenOrDisabled opens the store, falling back to a disabled no-op store
// when the open or migration fails. The failure is logged and never
// propagated.
func OpenOrDisabled(path string, logger *zap.Logger) *DB {
	db, err := Open(path, logger)
	if err != nil {
		logger.Error("store unavailable, caching disabled", zap.Error(err), zap.String("path", path))
		return Disabled(logger)
	}
	if _, err := db.Migrate(); err != nil {
		logger.Error("store migration failed, caching disabled", zap.Error(err), zap.String("path", path))
		_ = db.Close()
		return Disabled(logger)
	}
	return db
}

// Disabled returns a store on which every operation is a no-op.
func Disabled(logger *zap.Logger) *DB {
	return &DB{logger: logger, disabled: true}
}

// Disabled reports whether the store is in no-op mode.
func (db *DB) Disabled() bool { return db.disabled }

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db.disabled {
		return nil
	}
	return db.sql.Close()
}
