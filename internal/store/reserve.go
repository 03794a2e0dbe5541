package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ReserveEventIDs pre-reserves a contiguous block of event ids by bumping
// the AUTOINCREMENT sequence. Records inserted later with these ids go
// through AddEvent with ID already set; meanwhile a view may expose them
// before they are durably committed.
func (db *DB) ReserveEventIDs(n int) (first int64, err error) {
	return db.reserveIDs("events", n)
}

// ReserveGroupIDs is ReserveEventIDs for groups.
func (db *DB) ReserveGroupIDs(n int) (first int64, err error) {
	return db.reserveIDs("groups", n)
}

func (db *DB) reserveIDs(table string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: reserve count %d", ErrPrecondition, n)
	}
	var first int64
	err := db.inTx(func(tx *Tx) error {
		var cur int64
		err := tx.QueryRow(`SELECT seq FROM sqlite_sequence WHERE name = ?`, table).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			// Table never inserted into: seed the sequence row.
			if _, err := db.exec(tx.Tx, `INSERT INTO sqlite_sequence (name, seq) VALUES (?, 0)`, table); err != nil {
				return fmt.Errorf("seed sequence for %s: %w", table, err)
			}
			cur = 0
		} else if err != nil {
			return fmt.Errorf("read sequence for %s: %w", table, err)
		}
		if _, err := db.exec(tx.Tx, `UPDATE sqlite_sequence SET seq = ? WHERE name = ?`, cur+int64(n), table); err != nil {
			return fmt.Errorf("bump sequence for %s: %w", table, err)
		}
		first = cur + 1
		return nil
	})
	return first, err
}
