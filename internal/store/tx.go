package store

import (
	"database/sql"
	"fmt"
)

// querier is the common surface of *sql.DB and *sql.Tx; write helpers take
// it so they work inside and outside an explicit transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Tx is an explicit store transaction with nestable savepoints. Multi-step
// writes that must be atomic but consist of independently-failable steps
// (an event plus its properties and parts) wrap each step in a savepoint.
type Tx struct {
	*sql.Tx
	db    *DB
	depth int
	done  bool
}

// Transaction opens an explicit transaction. The store connection is
// single-writer; concurrent writers serialize here.
func (db *DB) Transaction() (*Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{Tx: tx, db: db}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	tx.done = true
	if err := tx.Tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.Tx.Rollback()
}

// Savepoint opens a nested savepoint and returns its name.
func (tx *Tx) Savepoint() (string, error) {
	tx.depth++
	name := fmt.Sprintf("sp_%d", tx.depth)
	if _, err := tx.db.exec(tx.Tx, "SAVEPOINT "+name); err != nil {
		return "", fmt.Errorf("savepoint %s: %w", name, err)
	}
	return name, nil
}

// Release commits the named savepoint into the enclosing transaction.
func (tx *Tx) Release(name string) error {
	if _, err := tx.db.exec(tx.Tx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes everything since the named savepoint was opened. The
// savepoint stays open for reuse.
func (tx *Tx) RollbackTo(name string) error {
	if _, err := tx.db.exec(tx.Tx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	return nil
}

// inTx runs fn inside a new transaction, committing on success and rolling
// back on failure.
func (db *DB) inTx(fn func(tx *Tx) error) error {
	tx, err := db.Transaction()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
