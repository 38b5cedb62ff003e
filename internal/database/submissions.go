package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// runnableStates are picked up by a sweep once their backoff or deferral
// has elapsed. In-progress states are included so a crashed run resumes.
var runnableStates = []string{
	StatePending,
	StateNoveltyChecked,
	StateRepoChecked,
	StatePrompted,
	StateCritiqued,
	StateDecided,
	StateErrored,
	StateDeferred,
}

// closedStates never move again.
var closedStates = []string{StateWithdrawn, StateInvalid, StateFailed, StatePublished, StateRejected}

const submissionColumns = `id, contributor_id, title, category, type, paid, payload, state, reason_code,
	last_error, attempts, enqueued_at, next_attempt_at, lease_owner, lease_expires_at,
	commit_token, committed_at, updated_at`

// InsertSubmission stores a new submission. Gate rejections are stored as
// invalid; an injection flag is appended to the contributor history in the
// same transaction.
func (db *DB) InsertSubmission(n NewSubmission) error {
	state := StatePending
	var reason, lastErr *string
	if n.ReasonCode != "" {
		state = StateInvalid
		reason = &n.ReasonCode
		lastErr = &n.LastError
	}
	now := formatTime(n.Now)

	return db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO submissions (id, contributor_id, title, category, type, paid, payload,
			state, reason_code, last_error, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.ContributorID, n.Title, n.Category, n.Type, n.Paid, string(n.Payload),
			state, reason, lastErr, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting submission %s: %w", n.ID, err)
		}
		if !n.Flag {
			return nil
		}
		if _, err := tx.Exec(
			`INSERT INTO contributor_events (contributor_id, submission_id, outcome, score, occurred_at)
			VALUES (?, ?, 'flagged', 0, ?)`,
			n.ContributorID, n.ID, now,
		); err != nil {
			return fmt.Errorf("flagging contributor %s: %w", n.ContributorID, err)
		}
		return recomputeContributor(tx, n.ContributorID, n.Now)
	})
}

// GetSubmission returns a submission by id, or nil if it does not exist.
func (db *DB) GetSubmission(id string) (*Submission, error) {
	row := db.conn.QueryRow(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSubmissions returns submissions matching the filter, oldest first.
func (db *DB) ListSubmissions(f SubmissionFilter) ([]Submission, error) {
	q := sq.Select(submissionColumns).From("submissions").OrderBy("enqueued_at ASC", "id ASC")
	if len(f.States) > 0 {
		q = q.Where(sq.Eq{"state": f.States})
	}
	if f.ContributorID != "" {
		q = q.Where(sq.Eq{"contributor_id": f.ContributorID})
	}
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": f.Category})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building submission query: %w", err)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountByState returns the number of submissions in each state.
func (db *DB) CountByState() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT state, COUNT(*) FROM submissions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Runnable returns submissions a sweep may process at now, joined with the
// current contributor reputation. Leased submissions are excluded until the
// lease expires.
func (db *DB) Runnable(now time.Time) ([]QueueCandidate, error) {
	ts := formatTime(now)
	query, args, err := sq.
		Select("s.id", "s.contributor_id", "s.category", "s.paid", "s.state", "s.enqueued_at", "COALESCE(c.reputation, 0)").
		From("submissions s").
		LeftJoin("contributors c ON c.id = s.contributor_id").
		Where(sq.Eq{"s.state": runnableStates}).
		Where(sq.Or{sq.Eq{"s.next_attempt_at": nil}, sq.LtOrEq{"s.next_attempt_at": ts}}).
		Where(sq.Or{sq.Eq{"s.lease_expires_at": nil}, sq.LtOrEq{"s.lease_expires_at": ts}}).
		OrderBy("s.enqueued_at ASC", "s.id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building queue query: %w", err)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueCandidate
	for rows.Next() {
		var c QueueCandidate
		var enqueued string
		if err := rows.Scan(&c.ID, &c.ContributorID, &c.Category, &c.Paid, &c.State, &enqueued, &c.Reputation); err != nil {
			return nil, err
		}
		c.EnqueuedAt = parseTime(enqueued)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimLease takes the processing lease for a submission. It returns false
// while any unexpired lease is held, including one held under the same
// token, so each claim needs its own token.
func (db *DB) ClaimLease(id, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := db.conn.Exec(
		`UPDATE submissions SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		token, formatTime(now.Add(ttl)), id, formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("claiming lease on %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease drops the lease taken with token.
func (db *DB) ReleaseLease(id, token string) error {
	_, err := db.conn.Exec(
		`UPDATE submissions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND lease_owner = ?`,
		id, token,
	)
	return err
}

// AdvanceState moves an uncommitted, open submission to state.
func (db *DB) AdvanceState(id, state string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		return advance(tx, id, state, now)
	})
}

func advance(tx *sql.Tx, id, state string, now time.Time) error {
	query, args, err := sq.Update("submissions").
		Set("state", state).
		Set("next_attempt_at", nil).
		Set("updated_at", formatTime(now)).
		Where(sq.Eq{"id": id, "commit_token": nil}).
		Where(sq.NotEq{"state": closedStates}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("advancing %s to %s: %w", id, state, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return blockedReason(tx, id)
}

// blockedReason explains why a guarded update on id matched no row.
func blockedReason(tx *sql.Tx, id string) error {
	var state string
	var token *string
	err := tx.QueryRow(`SELECT state, commit_token FROM submissions WHERE id = ?`, id).Scan(&state, &token)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case state == StateWithdrawn:
		return ErrWithdrawn
	case token != nil:
		return ErrAlreadyCommitted
	default:
		return fmt.Errorf("submission %s is %s", id, state)
	}
}

// MarkErrored records a failed run. The submission becomes errored and
// runnable again at nextAttempt, or failed once attempts reach maxAttempts.
// It returns the resulting state.
func (db *DB) MarkErrored(id, message string, nextAttempt time.Time, maxAttempts int, now time.Time) (string, error) {
	var state string
	err := db.withTx(func(tx *sql.Tx) error {
		query, args, err := sq.Update("submissions").
			Set("attempts", sq.Expr("attempts + 1")).
			Set("last_error", message).
			Set("next_attempt_at", formatTime(nextAttempt)).
			Set("state", sq.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END", maxAttempts, StateFailed, StateErrored)).
			Set("lease_owner", nil).
			Set("lease_expires_at", nil).
			Set("updated_at", formatTime(now)).
			Where(sq.Eq{"id": id}).
			Where(sq.NotEq{"state": closedStates}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("marking %s errored: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return blockedReason(tx, id)
		}
		return tx.QueryRow(`SELECT state FROM submissions WHERE id = ?`, id).Scan(&state)
	})
	return state, err
}

// MarkDeferred parks an uncommitted submission until until.
func (db *DB) MarkDeferred(id string, until, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		if err := advance(tx, id, StateDeferred, now); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE submissions SET next_attempt_at = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`,
			formatTime(until), id,
		)
		return err
	})
}

// MarkPublished finalizes an accepted, committed submission.
func (db *DB) MarkPublished(id string, now time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE submissions SET state = ?, last_error = NULL, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND commit_token IS NOT NULL`,
		StatePublished, formatTime(now), id,
	)
	return err
}

// MarkPublishFailed records a failed publish of a committed submission. It
// stays decided and becomes runnable again at nextAttempt; only the publish
// is retried.
func (db *DB) MarkPublishFailed(id, message string, nextAttempt, now time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE submissions SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND commit_token IS NOT NULL AND state = ?`,
		message, formatTime(nextAttempt), formatTime(now), id, StateDecided,
	)
	if err != nil {
		return fmt.Errorf("recording publish failure for %s: %w", id, err)
	}
	return nil
}

// Withdraw cancels a submission whose decision is not yet committed.
func (db *DB) Withdraw(id string, now time.Time) error {
	return db.withTx(func(tx *sql.Tx) error {
		query, args, err := sq.Update("submissions").
			Set("state", StateWithdrawn).
			Set("updated_at", formatTime(now)).
			Where(sq.Eq{"id": id, "commit_token": nil}).
			Where(sq.NotEq{"state": closedStates}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("withdrawing %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		switch err := blockedReason(tx, id); {
		case errors.Is(err, ErrNotFound):
			return err
		case errors.Is(err, ErrWithdrawn):
			return nil
		default:
			return ErrNotWithdrawable
		}
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*Submission, error) {
	var s Submission
	var payload, enqueued, updated string
	var nextAttempt, leaseExpires, committed *string
	if err := row.Scan(&s.ID, &s.ContributorID, &s.Title, &s.Category, &s.Type, &s.Paid, &payload,
		&s.State, &s.ReasonCode, &s.LastError, &s.Attempts, &enqueued, &nextAttempt, &s.LeaseOwner,
		&leaseExpires, &s.CommitToken, &committed, &updated); err != nil {
		return nil, err
	}
	s.Payload = []byte(payload)
	s.EnqueuedAt = parseTime(enqueued)
	s.UpdatedAt = parseTime(updated)
	s.NextAttemptAt = parseTimePtr(nextAttempt)
	s.LeaseExpiresAt = parseTimePtr(leaseExpires)
	s.CommittedAt = parseTimePtr(committed)
	return &s, nil
}
