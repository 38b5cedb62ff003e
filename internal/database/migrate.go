package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// SchemaStatus is the schema version recorded in a database alongside every
// migration this binary knows about.
type SchemaStatus struct {
	Version int
	Steps   []SchemaStep
}

// SchemaStep is one known migration.
type SchemaStep struct {
	Version     int
	Description string
	Applied     bool
}

// Current reports whether no known migration is outstanding.
func (s *SchemaStatus) Current() bool {
	return s.Version >= latestVersion()
}

// SchemaStatus reports the applied and known schema migrations.
func (db *DB) SchemaStatus() (*SchemaStatus, error) {
	version, err := schemaVersion(db.conn)
	if err != nil {
		return nil, err
	}
	st := &SchemaStatus{Version: version}
	for _, m := range migrations {
		st.Steps = append(st.Steps, SchemaStep{
			Version:     m.Version,
			Description: m.Description,
			Applied:     m.Version <= version,
		})
	}
	return st, nil
}

// schemaVersion reads the version stamp kept in PRAGMA user_version.
func schemaVersion(q rowQuerier) (int, error) {
	var v int
	if err := q.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// pendingMigrations lists the migrations above version, in order. A database
// stamped by a newer binary is refused.
func pendingMigrations(version int) ([]Migration, error) {
	if latest := latestVersion(); version > latest {
		return nil, fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, latest)
	}
	var out []Migration
	for _, m := range migrations {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out, nil
}

// migrate applies every pending migration.
func migrate(conn *sql.DB) error {
	version, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(version)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	slog.Info("applying schema migration", "version", m.Version, "description", m.Description)
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("starting schema migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("schema migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema migration %d: %w", m.Version, err)
	}
	// The stamp cannot be written inside the transaction with modernc/sqlite.
	// Every Up is idempotent DDL, so a crash before this point replays it.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("stamping schema version %d: %w", m.Version, err)
	}
	return nil
}
