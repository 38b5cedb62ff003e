package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveCheckpoint stores a stage output and advances the submission to state
// in one transaction.
func (db *DB) SaveCheckpoint(id, stage string, output []byte, state string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		if err := advance(tx, id, state, now); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO stage_checkpoints (submission_id, stage, output, completed_at)
			VALUES (?, ?, ?, ?)`,
			id, stage, string(output), formatTime(now),
		); err != nil {
			return fmt.Errorf("saving %s checkpoint for %s: %w", stage, id, err)
		}
		return nil
	})
}

// GetCheckpoint returns a stage output, or nil if the stage has not completed.
func (db *DB) GetCheckpoint(id, stage string) ([]byte, error) {
	var output string
	err := db.conn.QueryRow(
		`SELECT output FROM stage_checkpoints WHERE submission_id = ? AND stage = ?`, id, stage,
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(output), nil
}

// DeleteCheckpoint discards a stage output so the stage runs again.
func (db *DB) DeleteCheckpoint(id, stage string) error {
	_, err := db.conn.Exec(`DELETE FROM stage_checkpoints WHERE submission_id = ? AND stage = ?`, id, stage)
	return err
}
