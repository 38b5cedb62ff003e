package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "submission state machine",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    contributor_id TEXT NOT NULL,
    title TEXT NOT NULL,
    category TEXT NOT NULL,
    type TEXT NOT NULL,
    paid INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    state TEXT NOT NULL,
    reason_code TEXT,
    last_error TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT NOT NULL,
    next_attempt_at TEXT,
    lease_owner TEXT,
    lease_expires_at TEXT,
    commit_token TEXT UNIQUE,
    committed_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_checkpoints (
    submission_id TEXT NOT NULL REFERENCES submissions(id),
    stage TEXT NOT NULL,
    output TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    PRIMARY KEY (submission_id, stage)
);

CREATE TABLE IF NOT EXISTS reviews (
    submission_id TEXT PRIMARY KEY REFERENCES submissions(id),
    verdict TEXT NOT NULL CHECK(verdict IN ('accept', 'reject')),
    aggregate REAL NOT NULL,
    record TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS papers (
    id TEXT PRIMARY KEY REFERENCES submissions(id),
    category TEXT NOT NULL,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    abstract TEXT NOT NULL,
    body TEXT NOT NULL,
    contributor_id TEXT NOT NULL,
    scores TEXT NOT NULL,
    aggregate REAL NOT NULL,
    badge TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('current', 'superseded')),
    published_at TEXT NOT NULL,
    valid_until TEXT NOT NULL,
    supersedes TEXT REFERENCES papers(id),
    superseded_by TEXT REFERENCES papers(id)
);

CREATE TABLE IF NOT EXISTS feedback (
    submission_id TEXT PRIMARY KEY REFERENCES submissions(id),
    body TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS slot_usage (
    submission_id TEXT PRIMARY KEY REFERENCES submissions(id),
    category TEXT NOT NULL,
    period_key TEXT NOT NULL,
    used_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_state ON submissions(state);
CREATE INDEX IF NOT EXISTS idx_submissions_contributor ON submissions(contributor_id);
CREATE INDEX IF NOT EXISTS idx_papers_category ON papers(category, status);
CREATE INDEX IF NOT EXISTS idx_slot_usage_period ON slot_usage(category, period_key);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "contributor history and snapshots",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS contributor_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contributor_id TEXT NOT NULL,
    submission_id TEXT UNIQUE NOT NULL REFERENCES submissions(id),
    outcome TEXT NOT NULL CHECK(outcome IN ('accepted', 'rejected', 'flagged')),
    score REAL NOT NULL DEFAULT 0,
    occurred_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contributors (
    id TEXT PRIMARY KEY,
    submitted INTEGER NOT NULL DEFAULT 0,
    accepted INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    flags INTEGER NOT NULL DEFAULT 0,
    avg_score REAL NOT NULL DEFAULT 0,
    reputation REAL NOT NULL DEFAULT 0,
    tier TEXT NOT NULL DEFAULT 'new',
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributor_events_contributor ON contributor_events(contributor_id);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "paper ranking by score",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_papers_score ON papers(status, aggregate DESC)`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
