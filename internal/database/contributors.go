package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/peerreview/internal/reputation"
)

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// ContributorHistory returns the full append-only history of a contributor.
func (db *DB) ContributorHistory(contributorID string) ([]reputation.Event, error) {
	return contributorHistory(db.conn, contributorID)
}

func contributorHistory(q querier, contributorID string) ([]reputation.Event, error) {
	rows, err := q.Query(
		`SELECT submission_id, outcome, score, occurred_at FROM contributor_events
		WHERE contributor_id = ? ORDER BY occurred_at ASC, id ASC`, contributorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []reputation.Event
	for rows.Next() {
		var e reputation.Event
		var outcome, occurred string
		if err := rows.Scan(&e.SubmissionID, &outcome, &e.Score, &occurred); err != nil {
			return nil, err
		}
		e.Outcome = reputation.Outcome(outcome)
		e.OccurredAt = parseTime(occurred)
		events = append(events, e)
	}
	return events, rows.Err()
}

// recomputeContributor rebuilds the contributor snapshot from the full
// history. The snapshot is never incremented in place.
func recomputeContributor(tx *sql.Tx, contributorID string, now time.Time) error {
	history, err := contributorHistory(tx, contributorID)
	if err != nil {
		return fmt.Errorf("loading history for %s: %w", contributorID, err)
	}
	r := reputation.Calculate(history, reputation.AsOf(history))
	_, err = tx.Exec(
		`INSERT INTO contributors (id, submitted, accepted, rejected, flags, avg_score, reputation, tier, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			submitted = excluded.submitted,
			accepted = excluded.accepted,
			rejected = excluded.rejected,
			flags = excluded.flags,
			avg_score = excluded.avg_score,
			reputation = excluded.reputation,
			tier = excluded.tier,
			updated_at = excluded.updated_at`,
		contributorID, r.Submitted, r.Accepted, r.Rejected, r.Flags, r.AvgScore, r.Reputation, string(r.Tier), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving contributor %s: %w", contributorID, err)
	}
	return nil
}

// GetContributor returns a contributor snapshot, or nil if the contributor
// has no recorded history.
func (db *DB) GetContributor(id string) (*Contributor, error) {
	row := db.conn.QueryRow(
		`SELECT id, submitted, accepted, rejected, flags, avg_score, reputation, tier, updated_at
		FROM contributors WHERE id = ?`, id,
	)
	c, err := scanContributor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListContributors returns all contributors by reputation, highest first.
func (db *DB) ListContributors() ([]Contributor, error) {
	rows, err := db.conn.Query(
		`SELECT id, submitted, accepted, rejected, flags, avg_score, reputation, tier, updated_at
		FROM contributors ORDER BY reputation DESC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contributor
	for rows.Next() {
		c, err := scanContributor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContributor(row scanner) (*Contributor, error) {
	var c Contributor
	var updated string
	if err := row.Scan(&c.ID, &c.Submitted, &c.Accepted, &c.Rejected, &c.Flags,
		&c.AvgScore, &c.Reputation, &c.Tier, &updated); err != nil {
		return nil, err
	}
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}
