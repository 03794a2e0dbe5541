package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the SQLite connection holding the communication history.
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// Open creates a SQLite connection with WAL mode, foreign keys, and a busy
// timeout, then brings the schema up to date. A failed migration fails the
// whole open; there is no degraded mode.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sdb, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sdb.Ping(); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{DB: sdb, logger: logger}
	result, err := db.Migrate()
	if err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if result.Changed {
		logger.Info("schema migrated", zap.Uint("version", result.Version))
	}
	return db, nil
}

// exec runs a statement on q, logging the statement text on failure. Store
// failures are reported and propagated, never retried.
func (db *DB) exec(q querier, query string, args ...any) (sql.Result, error) {
	res, err := q.Exec(query, args...)
	if err != nil {
		db.logger.Error("statement failed", zap.String("stmt", query), zap.Error(err))
	}
	return res, err
}
