package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const paperColumns = `id, category, type, title, abstract, body, contributor_id, scores, aggregate,
	badge, status, published_at, valid_until, supersedes, superseded_by`

// GetPaper returns a paper by id, or nil if it does not exist.
func (db *DB) GetPaper(id string) (*Paper, error) {
	row := db.conn.QueryRow(`SELECT `+paperColumns+` FROM papers WHERE id = ?`, id)
	p, err := scanPaper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPapers returns papers matching the filter, newest first unless
// f.ByScore is set.
func (db *DB) ListPapers(f PaperFilter) ([]Paper, error) {
	q := sq.Select(paperColumns).From("papers")
	if f.ByScore {
		q = q.OrderBy("aggregate DESC", "published_at DESC", "id ASC")
	} else {
		q = q.OrderBy("published_at DESC", "id ASC")
	}
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": f.Category})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Badge != "" {
		q = q.Where(sq.Eq{"badge": f.Badge})
	}
	if f.MinScore > 0 {
		q = q.Where(sq.GtOrEq{"aggregate": f.MinScore})
	}
	if f.Query != "" {
		q = q.Where(sq.Or{
			sq.Expr("instr(lower(title), lower(?)) > 0", f.Query),
			sq.Expr("instr(lower(abstract), lower(?)) > 0", f.Query),
		})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building paper query: %w", err)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SupersessionChain returns the ids reached by following supersedes links
// from id, starting with id itself.
func (db *DB) SupersessionChain(id string) ([]string, error) {
	return supersessionChain(db.conn, id)
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func supersessionChain(q rowQuerier, id string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := &id; cur != nil; {
		if seen[*cur] {
			return chain, fmt.Errorf("supersession cycle at %s", *cur)
		}
		seen[*cur] = true
		chain = append(chain, *cur)

		var next *string
		err := q.QueryRow(`SELECT supersedes FROM papers WHERE id = ?`, *cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return chain, nil
}

// SlotsUsed counts accepted papers charged to a category for a period.
func (db *DB) SlotsUsed(category, periodKey string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM slot_usage WHERE category = ? AND period_key = ?`, category, periodKey,
	).Scan(&n)
	return n, err
}

// GetReview returns the stored review for a submission, or nil.
func (db *DB) GetReview(submissionID string) (*Review, error) {
	var r Review
	var record, created string
	err := db.conn.QueryRow(
		`SELECT submission_id, verdict, aggregate, record, created_at FROM reviews WHERE submission_id = ?`,
		submissionID,
	).Scan(&r.SubmissionID, &r.Verdict, &r.Aggregate, &record, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Record = []byte(record)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// GetFeedback returns the feedback body for a rejected submission, or nil.
func (db *DB) GetFeedback(submissionID string) ([]byte, error) {
	var body string
	err := db.conn.QueryRow(`SELECT body FROM feedback WHERE submission_id = ?`, submissionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func scanPaper(row scanner) (*Paper, error) {
	var p Paper
	var scores, published, validUntil string
	if err := row.Scan(&p.ID, &p.Category, &p.Type, &p.Title, &p.Abstract, &p.Body, &p.ContributorID,
		&scores, &p.Aggregate, &p.Badge, &p.Status, &published, &validUntil,
		&p.Supersedes, &p.SupersededBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scores), &p.Scores); err != nil {
		return nil, fmt.Errorf("decoding scores for %s: %w", p.ID, err)
	}
	p.PublishedAt = parseTime(published)
	p.ValidUntil = parseTime(validUntil)
	return &p, nil
}
