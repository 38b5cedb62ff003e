package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Commit is a terminal decision for one submission. Everything in it is
// applied in a single transaction, at most once per submission.
type Commit struct {
	SubmissionID  string
	ContributorID string
	Token         string
	Accept        bool
	Aggregate     float64
	Now           time.Time

	// Paper is the index entry for an accepted submission. Paper.Supersedes
	// holds the supersession candidate, if any.
	Paper *Paper
	// ConsumeSlot charges an accepted paper to SlotCategory for SlotPeriod.
	// A positive SlotLimit caps the papers charged to that period.
	ConsumeSlot  bool
	SlotCategory string
	SlotPeriod   string
	SlotLimit    int

	// Feedback is stored for rejected submissions.
	Feedback []byte

	// RenderReview builds the stored review record once the effective
	// supersession link is known.
	RenderReview func(supersedes *string) ([]byte, error)
}

// CommitResult reports what the commit actually applied.
type CommitResult struct {
	// Supersedes is the paper superseded by this commit, or nil if there was
	// no candidate or the candidate was no longer current.
	Supersedes *string
}

// CommitDecision applies a decision atomically. It returns ErrAlreadyCommitted
// if an earlier run committed this submission, ErrWithdrawn if it was
// withdrawn and ErrSlotFull if an accept finds its slot period exhausted; in
// each case nothing is written.
func (db *DB) CommitDecision(c Commit) (*CommitResult, error) {
	if c.Accept && c.Paper == nil {
		return nil, fmt.Errorf("accepting %s without a paper", c.SubmissionID)
	}
	now := formatTime(c.Now)
	state, verdict, outcome := StateRejected, "reject", "rejected"
	if c.Accept {
		state, verdict, outcome = StateDecided, "accept", "accepted"
	}

	result := &CommitResult{}
	err := db.withTx(func(tx *sql.Tx) error {
		query, args, err := sq.Update("submissions").
			Set("commit_token", c.Token).
			Set("committed_at", now).
			Set("state", state).
			Set("last_error", nil).
			Set("next_attempt_at", nil).
			Set("updated_at", now).
			Where(sq.Eq{"id": c.SubmissionID, "commit_token": nil}).
			Where(sq.NotEq{"state": closedStates}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("recording commit token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return blockedReason(tx, c.SubmissionID)
		}

		if c.Accept {
			if c.ConsumeSlot {
				if err := chargeSlot(tx, c, now); err != nil {
					return err
				}
			}
			if err := insertPaper(tx, c.Paper, c.Now); err != nil {
				return err
			}
			supersedes, err := supersede(tx, c.Paper, c.Now)
			if err != nil {
				return err
			}
			result.Supersedes = supersedes
		}

		record := []byte("{}")
		if c.RenderReview != nil {
			if record, err = c.RenderReview(result.Supersedes); err != nil {
				return fmt.Errorf("rendering review: %w", err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO reviews (submission_id, verdict, aggregate, record, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.SubmissionID, verdict, c.Aggregate, string(record), now,
		); err != nil {
			return fmt.Errorf("storing review: %w", err)
		}

		if !c.Accept && c.Feedback != nil {
			if _, err := tx.Exec(
				`INSERT INTO feedback (submission_id, body, created_at) VALUES (?, ?, ?)`,
				c.SubmissionID, string(c.Feedback), now,
			); err != nil {
				return fmt.Errorf("storing feedback: %w", err)
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO contributor_events (contributor_id, submission_id, outcome, score, occurred_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ContributorID, c.SubmissionID, outcome, c.Aggregate, now,
		); err != nil {
			return fmt.Errorf("appending contributor event: %w", err)
		}
		return recomputeContributor(tx, c.ContributorID, c.Now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// chargeSlot records the slot use, counting existing uses inside the same
// transaction. The commit-token update has already taken the write lock, so
// two commits cannot both see the last free slot.
func chargeSlot(tx *sql.Tx, c Commit, now string) error {
	res, err := tx.Exec(
		`INSERT INTO slot_usage (submission_id, category, period_key, used_at)
		SELECT ?, ?, ?, ?
		WHERE ? <= 0 OR (SELECT COUNT(*) FROM slot_usage WHERE category = ? AND period_key = ?) < ?`,
		c.SubmissionID, c.SlotCategory, c.SlotPeriod, now,
		c.SlotLimit, c.SlotCategory, c.SlotPeriod, c.SlotLimit,
	)
	if err != nil {
		return fmt.Errorf("charging slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSlotFull
	}
	return nil
}

// supersede closes the candidate paper if it is still current and linking it
// would not create a cycle, then links the new paper to it. It returns the
// effective supersedes link. The new paper must already be inserted.
func supersede(tx *sql.Tx, p *Paper, now time.Time) (*string, error) {
	if p.Supersedes == nil {
		return nil, nil
	}
	candidate := *p.Supersedes

	chain, err := supersessionChain(tx, candidate)
	if err != nil {
		return nil, fmt.Errorf("walking supersession chain of %s: %w", candidate, err)
	}
	if slices.Contains(chain, p.ID) {
		slog.Warn("skipping supersession that would form a cycle", "paper", p.ID, "candidate", candidate)
		return nil, nil
	}

	ts := formatTime(now)
	res, err := tx.Exec(
		`UPDATE papers SET status = ?, superseded_by = ?,
			valid_until = CASE WHEN valid_until < ? THEN valid_until ELSE ? END
		WHERE id = ? AND status = ? AND superseded_by IS NULL`,
		PaperSuperseded, p.ID, ts, ts, candidate, PaperCurrent,
	)
	if err != nil {
		return nil, fmt.Errorf("superseding %s: %w", candidate, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Info("supersession candidate is no longer current", "paper", p.ID, "candidate", candidate)
		return nil, nil
	}
	if _, err := tx.Exec(`UPDATE papers SET supersedes = ? WHERE id = ?`, candidate, p.ID); err != nil {
		return nil, fmt.Errorf("linking %s to %s: %w", p.ID, candidate, err)
	}
	return &candidate, nil
}

func insertPaper(tx *sql.Tx, p *Paper, now time.Time) error {
	scores, err := json.Marshal(p.Scores)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO papers (id, category, type, title, abstract, body, contributor_id, scores, aggregate,
			badge, status, published_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Category, p.Type, p.Title, p.Abstract, p.Body, p.ContributorID, string(scores), p.Aggregate,
		p.Badge, PaperCurrent, formatTime(now), formatTime(p.ValidUntil),
	)
	if err != nil {
		return fmt.Errorf("indexing paper %s: %w", p.ID, err)
	}
	return nil
}
