package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TobiSchelling/peerreview/internal/rubric"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func insert(t *testing.T, db *DB, id, contributor string, at time.Time) {
	t.Helper()
	err := db.InsertSubmission(NewSubmission{
		ID:            id,
		ContributorID: contributor,
		Title:         "Title " + id,
		Category:      "ai/agents",
		Type:          "research",
		Payload:       []byte(`{"id":"` + id + `"}`),
		Now:           at,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func acceptCommit(id, contributor string, supersedes *string, at time.Time) Commit {
	return Commit{
		SubmissionID:  id,
		ContributorID: contributor,
		Token:         "tok-" + id,
		Accept:        true,
		Aggregate:     7.5,
		Now:           at,
		Paper: &Paper{
			ID:            id,
			Category:      "ai/agents",
			Type:          "research",
			Title:         "Title " + id,
			Abstract:      "abstract",
			Body:          "body",
			ContributorID: contributor,
			Scores:        rubric.Scores{Methodology: 8, FactualAccuracy: 7, Novelty: 7, CodeQuality: 8, Writing: 7, Reproducibility: 8},
			Aggregate:     7.5,
			Badge:         "text-only",
			ValidUntil:    at.AddDate(0, 0, 180),
			Supersedes:    supersedes,
		},
		ConsumeSlot:  true,
		SlotCategory: "ai/agents",
		SlotPeriod:   "p1",
		RenderReview: func(s *string) ([]byte, error) {
			if s != nil {
				return []byte(`{"supersedes":"` + *s + `"}`), nil
			}
			return []byte(`{}`), nil
		},
	}
}

func TestInsertAndGetSubmission(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)

	s, err := db.GetSubmission("s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.State != StatePending {
		t.Fatalf("expected pending submission, got %+v", s)
	}
	if !s.EnqueuedAt.Equal(t0) {
		t.Errorf("enqueued_at = %v, want %v", s.EnqueuedAt, t0)
	}

	missing, err := db.GetSubmission("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing submission, got %+v, %v", missing, err)
	}
}

func TestInsertInvalidWithFlag(t *testing.T) {
	db := openTestDB(t)
	for i, id := range []string{"bad1", "bad2"} {
		err := db.InsertSubmission(NewSubmission{
			ID: id, ContributorID: "mallory", Title: "x", Category: "ai/agents", Type: "research",
			Payload: []byte("{}"), ReasonCode: "injection_detected", LastError: "prompt injection",
			Flag: true, Now: t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	s, _ := db.GetSubmission("bad1")
	if s.State != StateInvalid || s.ReasonCode == nil || *s.ReasonCode != "injection_detected" {
		t.Errorf("unexpected submission: %+v", s)
	}

	c, err := db.GetContributor("mallory")
	if err != nil || c == nil {
		t.Fatalf("expected contributor snapshot, got %v", err)
	}
	if c.Flags != 2 {
		t.Errorf("flags = %d, want 2", c.Flags)
	}
	if c.Tier != "suspended" {
		t.Errorf("tier = %q, want suspended", c.Tier)
	}

	cands, _ := db.Runnable(t0.Add(time.Hour))
	if len(cands) != 0 {
		t.Errorf("invalid submissions must not be runnable, got %d", len(cands))
	}
}

func TestCheckpointAdvancesState(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)

	if err := db.SaveCheckpoint("s1", "novelty", []byte(`{"score":0.1}`), StateNoveltyChecked, t0); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	out, err := db.GetCheckpoint("s1", "novelty")
	if err != nil || string(out) != `{"score":0.1}` {
		t.Errorf("checkpoint = %q, %v", out, err)
	}
	s, _ := db.GetSubmission("s1")
	if s.State != StateNoveltyChecked {
		t.Errorf("state = %s", s.State)
	}

	none, _ := db.GetCheckpoint("s1", "repo")
	if none != nil {
		t.Errorf("expected no repo checkpoint")
	}

	if err := db.DeleteCheckpoint("s1", "novelty"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out, _ = db.GetCheckpoint("s1", "novelty")
	if out != nil {
		t.Errorf("expected checkpoint deleted")
	}
}

func TestCommitIsAtMostOnce(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)

	res, err := db.CommitDecision(acceptCommit("s1", "alice", nil, t0))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Supersedes != nil {
		t.Errorf("unexpected supersession %v", *res.Supersedes)
	}

	_, err = db.CommitDecision(acceptCommit("s1", "alice", nil, t0.Add(time.Minute)))
	if !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("second commit err = %v, want ErrAlreadyCommitted", err)
	}

	used, _ := db.SlotsUsed("ai/agents", "p1")
	if used != 1 {
		t.Errorf("slots used = %d, want 1", used)
	}
	c, _ := db.GetContributor("alice")
	if c == nil || c.Accepted != 1 || c.Submitted != 1 {
		t.Errorf("contributor = %+v, want one accepted submission", c)
	}
	s, _ := db.GetSubmission("s1")
	if !s.Committed() || s.State != StateDecided {
		t.Errorf("submission = %+v", s)
	}
	r, _ := db.GetReview("s1")
	if r == nil || r.Verdict != "accept" {
		t.Errorf("review = %+v", r)
	}
}

func TestCommitReject(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "bob", t0)

	_, err := db.CommitDecision(Commit{
		SubmissionID: "s1", ContributorID: "bob", Token: "tok", Aggregate: 4.2, Now: t0,
		Feedback: []byte("# Feedback"),
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	s, _ := db.GetSubmission("s1")
	if s.State != StateRejected {
		t.Errorf("state = %s", s.State)
	}
	fb, _ := db.GetFeedback("s1")
	if string(fb) != "# Feedback" {
		t.Errorf("feedback = %q", fb)
	}
	p, _ := db.GetPaper("s1")
	if p != nil {
		t.Error("rejected submission must not be indexed")
	}
	c, _ := db.GetContributor("bob")
	if c.Rejected != 1 {
		t.Errorf("rejected = %d", c.Rejected)
	}
}

func TestAcceptRequiresPaper(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)
	if _, err := db.CommitDecision(Commit{SubmissionID: "s1", Accept: true, Now: t0}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithdraw(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)
	insert(t, db, "s2", "alice", t0)

	if err := db.Withdraw("s1", t0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := db.Withdraw("s1", t0); err != nil {
		t.Errorf("repeated withdraw should be a no-op, got %v", err)
	}
	_, err := db.CommitDecision(acceptCommit("s1", "alice", nil, t0))
	if !errors.Is(err, ErrWithdrawn) {
		t.Errorf("commit after withdraw err = %v, want ErrWithdrawn", err)
	}
	if err := db.AdvanceState("s1", StatePrompted, t0); !errors.Is(err, ErrWithdrawn) {
		t.Errorf("advance after withdraw err = %v, want ErrWithdrawn", err)
	}

	if _, err := db.CommitDecision(acceptCommit("s2", "alice", nil, t0)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Withdraw("s2", t0); !errors.Is(err, ErrNotWithdrawable) {
		t.Errorf("withdraw after commit err = %v, want ErrNotWithdrawable", err)
	}
	if err := db.Withdraw("missing", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("withdraw missing err = %v, want ErrNotFound", err)
	}
}

func TestSupersessionClosesOldWindow(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "old", "alice", t0)
	insert(t, db, "new", "bob", t0)
	insert(t, db, "late", "carol", t0)

	if _, err := db.CommitDecision(acceptCommit("old", "alice", nil, t0)); err != nil {
		t.Fatalf("commit old: %v", err)
	}
	later := t0.AddDate(0, 0, 10)
	res, err := db.CommitDecision(acceptCommit("new", "bob", ptr("old"), later))
	if err != nil {
		t.Fatalf("commit new: %v", err)
	}
	if res.Supersedes == nil || *res.Supersedes != "old" {
		t.Fatalf("supersedes = %v, want old", res.Supersedes)
	}

	old, _ := db.GetPaper("old")
	if old.Status != PaperSuperseded || old.SupersededBy == nil || *old.SupersededBy != "new" {
		t.Errorf("old paper = %+v", old)
	}
	if old.ValidUntil.After(later) {
		t.Errorf("old valid_until %v should be closed by %v", old.ValidUntil, later)
	}
	newer, _ := db.GetPaper("new")
	if newer.Supersedes == nil || *newer.Supersedes != "old" || newer.Status != PaperCurrent {
		t.Errorf("new paper = %+v", newer)
	}
	r, _ := db.GetReview("new")
	if string(r.Record) != `{"supersedes":"old"}` {
		t.Errorf("review record = %s", r.Record)
	}

	// A second supersession of the same paper is dropped.
	res, err = db.CommitDecision(acceptCommit("late", "carol", ptr("old"), later.Add(time.Hour)))
	if err != nil {
		t.Fatalf("commit late: %v", err)
	}
	if res.Supersedes != nil {
		t.Errorf("late supersedes = %v, want nil", *res.Supersedes)
	}

	chain, err := db.SupersessionChain("new")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || chain[0] != "new" || chain[1] != "old" {
		t.Errorf("chain = %v", chain)
	}

	current, _ := db.ListPapers(PaperFilter{Status: PaperCurrent})
	if len(current) != 2 {
		t.Errorf("current papers = %d, want 2", len(current))
	}
}

func TestSupersedeSkipsCycle(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "a", "alice", t0)
	insert(t, db, "b", "bob", t0)
	if _, err := db.CommitDecision(acceptCommit("a", "alice", nil, t0)); err != nil {
		t.Fatalf("commit a: %v", err)
	}
	if _, err := db.CommitDecision(acceptCommit("b", "bob", ptr("a"), t0.Add(time.Hour))); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	// Linking a back to b would close the loop a -> b -> a.
	err := db.withTx(func(tx *sql.Tx) error {
		got, err := supersede(tx, &Paper{ID: "a", Supersedes: ptr("b")}, t0.Add(2*time.Hour))
		if got != nil {
			t.Errorf("supersede = %v, want nil", *got)
		}
		return err
	})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}

	b, _ := db.GetPaper("b")
	if b.Status != PaperCurrent || b.SupersededBy != nil {
		t.Errorf("b = %+v, want current and unlinked", b)
	}
	a, _ := db.GetPaper("a")
	if a.Supersedes != nil {
		t.Errorf("a.Supersedes = %v, want nil", *a.Supersedes)
	}
	chain, err := db.SupersessionChain("b")
	if err != nil || len(chain) != 2 {
		t.Errorf("chain = %v, %v", chain, err)
	}
}

func TestCommitRechecksSlotCapacity(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)
	insert(t, db, "s2", "bob", t0)

	first := acceptCommit("s1", "alice", nil, t0)
	first.SlotLimit = 1
	if _, err := db.CommitDecision(first); err != nil {
		t.Fatalf("commit s1: %v", err)
	}

	// s2 read the usage before s1 committed and still believes a slot is open.
	second := acceptCommit("s2", "bob", nil, t0.Add(time.Second))
	second.SlotLimit = 1
	if _, err := db.CommitDecision(second); !errors.Is(err, ErrSlotFull) {
		t.Fatalf("commit s2 err = %v, want ErrSlotFull", err)
	}

	used, _ := db.SlotsUsed("ai/agents", "p1")
	if used != 1 {
		t.Errorf("slots used = %d, want 1", used)
	}
	s, _ := db.GetSubmission("s2")
	if s.Committed() || s.State != StatePending {
		t.Errorf("s2 = %+v, want uncommitted and pending", s)
	}
	if p, _ := db.GetPaper("s2"); p != nil {
		t.Errorf("paper written for s2: %+v", p)
	}
	if r, _ := db.GetReview("s2"); r != nil {
		t.Errorf("review written for s2: %+v", r)
	}
	if c, _ := db.GetContributor("bob"); c != nil && c.Accepted != 0 {
		t.Errorf("bob = %+v, want no accepted event", c)
	}

	// Without a limit the charge always succeeds.
	insert(t, db, "s3", "carol", t0)
	if _, err := db.CommitDecision(acceptCommit("s3", "carol", nil, t0.Add(2*time.Second))); err != nil {
		t.Fatalf("commit s3: %v", err)
	}
}

func TestRunnableAndLease(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)
	insert(t, db, "s2", "bob", t0.Add(time.Second))

	ok, err := db.ClaimLease("s1", "worker-a", t0, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	ok, _ = db.ClaimLease("s1", "worker-b", t0.Add(time.Second), time.Minute)
	if ok {
		t.Error("second owner must not claim an active lease")
	}
	ok, _ = db.ClaimLease("s1", "worker-a", t0.Add(time.Second), time.Minute)
	if ok {
		t.Error("an active lease must not be re-claimed, even with the same token")
	}

	cands, _ := db.Runnable(t0.Add(2 * time.Second))
	if len(cands) != 1 || cands[0].ID != "s2" {
		t.Errorf("runnable = %+v, want only s2", cands)
	}

	ok, _ = db.ClaimLease("s1", "worker-b", t0.Add(2*time.Minute), time.Minute)
	if !ok {
		t.Error("expired lease should be claimable")
	}
	if err := db.ReleaseLease("s1", "worker-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	cands, _ = db.Runnable(t0.Add(2 * time.Minute))
	if len(cands) != 2 {
		t.Errorf("runnable = %d, want 2", len(cands))
	}
}

func TestMarkErroredBacksOffThenFails(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)

	next := t0.Add(5 * time.Minute)
	state, err := db.MarkErrored("s1", "timeout", next, 2, t0)
	if err != nil || state != StateErrored {
		t.Fatalf("first error: %s %v", state, err)
	}
	cands, _ := db.Runnable(t0.Add(time.Minute))
	if len(cands) != 0 {
		t.Error("errored submission should wait for backoff")
	}
	cands, _ = db.Runnable(next)
	if len(cands) != 1 {
		t.Error("errored submission should be runnable after backoff")
	}

	state, err = db.MarkErrored("s1", "timeout", next, 2, next)
	if err != nil || state != StateFailed {
		t.Fatalf("second error: %s %v", state, err)
	}
	s, _ := db.GetSubmission("s1")
	if s.Attempts != 2 || s.LastError == nil || *s.LastError != "timeout" {
		t.Errorf("submission = %+v", s)
	}
}

func TestMarkDeferred(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)

	until := t0.AddDate(0, 0, 7)
	if err := db.MarkDeferred("s1", until, t0); err != nil {
		t.Fatalf("defer: %v", err)
	}
	cands, _ := db.Runnable(until.Add(-time.Second))
	if len(cands) != 0 {
		t.Error("deferred submission runnable too early")
	}
	cands, _ = db.Runnable(until)
	if len(cands) != 1 || cands[0].State != StateDeferred {
		t.Errorf("runnable = %+v", cands)
	}
}

func TestListAndCount(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "alice", t0)
	insert(t, db, "s2", "alice", t0.Add(time.Second))
	insert(t, db, "s3", "bob", t0.Add(2*time.Second))
	db.Withdraw("s3", t0)

	subs, err := db.ListSubmissions(SubmissionFilter{ContributorID: "alice"})
	if err != nil || len(subs) != 2 || subs[0].ID != "s1" {
		t.Errorf("list = %+v, %v", subs, err)
	}
	counts, _ := db.CountByState()
	if counts[StatePending] != 2 || counts[StateWithdrawn] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
