// Package pipeline drives submissions through the review stages. Each
// submission moves strictly in order; every completed stage is checkpointed
// so an interrupted run resumes without repeating external calls or side
// effects.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/peerreview/internal/config"
	"github.com/TobiSchelling/peerreview/internal/critique"
	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/decision"
	"github.com/TobiSchelling/peerreview/internal/llm"
	"github.com/TobiSchelling/peerreview/internal/novelty"
	"github.com/TobiSchelling/peerreview/internal/priority"
	"github.com/TobiSchelling/peerreview/internal/prompt"
	"github.com/TobiSchelling/peerreview/internal/publish"
	"github.com/TobiSchelling/peerreview/internal/repo"
	"github.com/TobiSchelling/peerreview/internal/rubric"
	"github.com/TobiSchelling/peerreview/internal/submission"
	"github.com/TobiSchelling/peerreview/internal/taxonomy"
)

// Stage names, as stored in checkpoints.
const (
	StageNovelty  = "novelty"
	StageRepo     = "repo"
	StagePrompt   = "prompt"
	StageCritique = "critique"
	StageDecision = "decision"
	StagePublish  = "publish"
)

// NoveltyChecker finds related work.
type NoveltyChecker interface {
	Check(ctx context.Context, sub *submission.Submission) (*novelty.Result, error)
}

// RepoInspector summarizes a linked repository.
type RepoInspector interface {
	Inspect(ctx context.Context, sub *submission.Submission) *repo.Summary
}

// Critic obtains a validated critique for a prompt.
type Critic interface {
	Critique(ctx context.Context, promptText string, weights rubric.Weights) (*critique.Verdict, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the outcome of processing one submission.
type Result struct {
	SubmissionID string
	State        string
	Steps        []StepResult
}

func (r *Result) step(name, format string, args ...any) {
	r.Steps = append(r.Steps, StepResult{Name: name, Summary: fmt.Sprintf(format, args...)})
}

// Components are the collaborators a pipeline calls out to.
type Components struct {
	Novelty NoveltyChecker
	Repo    RepoInspector
	Critic  Critic
	Store   publish.Store
	Anchors []prompt.Anchor
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline processes submissions.
type Pipeline struct {
	db           *database.DB
	tax          *taxonomy.Taxonomy
	c            Components
	owner        string
	maxAttempts  int
	retryBackoff time.Duration
	leaseTTL     time.Duration
	batchSize    int
}

// New builds a pipeline with the external clients described by cfg.
func New(cfg *config.Config, db *database.DB, tax *taxonomy.Taxonomy, store publish.Store) (*Pipeline, error) {
	anchors, err := prompt.LoadAnchors("")
	if err != nil {
		return nil, err
	}

	nc := cfg.Novelty
	checker := &novelty.Checker{
		Internal:              &novelty.IndexSearcher{Index: db},
		Timeout:               config.Duration(nc.Timeout),
		SupersessionThreshold: nc.SupersessionThreshold,
	}
	if nc.Arxiv.Enabled {
		checker.External = append(checker.External, novelty.NewArxivSearcher(nc.Arxiv.BaseURL, nc.Arxiv.MaxResults))
	}
	if nc.SemanticScholar.Enabled {
		checker.External = append(checker.External, novelty.NewSemanticScholarSearcher(
			nc.SemanticScholar.BaseURL, nc.SemanticScholar.APIKeyEnv, nc.SemanticScholar.MaxResults))
	}

	rc := cfg.Repo
	inspector := &repo.Inspector{
		Fetcher:       repo.NewGitHubFetcher(rc.GitHubAPIURL, rc.RawURL, rc.TokenEnv, config.Duration(rc.Timeout)),
		MaxFiles:      rc.MaxFiles,
		MaxTotalBytes: rc.MaxTotalBytes,
		MaxFileBytes:  rc.MaxFileBytes,
		Timeout:       config.Duration(rc.Timeout),
	}

	cc := cfg.Critique
	critic := &critique.Invoker{
		Provider:    llm.CreateProvider(cc),
		MaxTokens:   cc.MaxTokens,
		MaxRetries:  cc.MaxRetries,
		BackoffBase: config.Duration(cc.BackoffBase),
	}

	return NewWith(cfg.Pipeline, db, tax, Components{
		Novelty: checker,
		Repo:    inspector,
		Critic:  critic,
		Store:   store,
		Anchors: anchors,
	}), nil
}

// NewWith builds a pipeline from explicit components.
func NewWith(pc config.Pipeline, db *database.DB, tax *taxonomy.Taxonomy, c Components) *Pipeline {
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Pipeline{
		db:           db,
		tax:          tax,
		c:            c,
		owner:        uuid.NewString(),
		maxAttempts:  max(pc.MaxAttempts, 1),
		retryBackoff: config.Duration(pc.RetryBackoff),
		leaseTTL:     max(config.Duration(pc.LeaseTTL), time.Minute),
		batchSize:    max(pc.BatchSize, 1),
	}
}

func (p *Pipeline) now() time.Time {
	return p.c.Now().UTC()
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Considered int
	Processed  []*Result
	Errors     []error
}

// Sweep processes up to limit runnable submissions, highest priority first.
// The queue is re-read and re-ranked before every dequeue so a commit's
// effect on reputation and slot demand reaches the entries still waiting.
// A limit of zero uses the configured batch size.
func (p *Pipeline) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = p.batchSize
	}
	sr := &SweepResult{}
	considered := make(map[string]bool)
	seen := make(map[string]bool)
	for len(sr.Processed) < limit {
		if err := ctx.Err(); err != nil {
			return sr, err
		}
		entries, err := p.queue()
		if err != nil {
			return sr, err
		}
		var head *priority.Entry
		for i := range entries {
			id := entries[i].SubmissionID
			if !considered[id] {
				considered[id] = true
				sr.Considered++
			}
			if head == nil && !seen[id] {
				head = &entries[i]
			}
		}
		if head == nil {
			break
		}
		seen[head.SubmissionID] = true

		slog.Info("processing submission", "submission", head.SubmissionID,
			"priority", head.Score, "label", priority.Label(head.Score))
		res, err := p.Process(ctx, head.SubmissionID)
		var pe *PipelineError
		switch {
		case errors.Is(err, ErrLeased):
			continue
		case errors.As(err, &pe):
			sr.Errors = append(sr.Errors, pe)
		case err != nil:
			return sr, err
		}
		sr.Processed = append(sr.Processed, res)
	}
	return sr, nil
}

// queue loads the runnable submissions ranked by their current priority.
func (p *Pipeline) queue() ([]priority.Entry, error) {
	candidates, err := p.db.Runnable(p.now())
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	return p.rank(candidates)
}

// rank recomputes every candidate's priority from current contributor and
// slot state.
func (p *Pipeline) rank(candidates []database.QueueCandidate) ([]priority.Entry, error) {
	now := p.now()
	demand := make(map[string]float64)
	entries := make([]priority.Entry, 0, len(candidates))
	for _, c := range candidates {
		d, ok := demand[c.Category]
		if !ok {
			d = 1
			if cat, found := p.tax.Category(c.Category); found && !cat.Unlimited() {
				used, err := p.db.SlotsUsed(cat.Slug, cat.Period(now).Key)
				if err != nil {
					return nil, fmt.Errorf("reading slot usage for %s: %w", c.Category, err)
				}
				d = priority.Demand(used, cat.MaxSlots)
			}
			demand[c.Category] = d
		}
		entries = append(entries, priority.Entry{
			SubmissionID: c.ID,
			EnqueuedAt:   c.EnqueuedAt,
			Reputation:   c.Reputation,
			Paid:         c.Paid,
			Demand:       d,
		})
	}
	return priority.Rank(entries), nil
}

// Process runs one submission from its last checkpoint to a terminal or
// parked state. Stage failures are persisted and returned as *PipelineError;
// other errors mean the run could not be recorded at all.
func (p *Pipeline) Process(ctx context.Context, id string) (*Result, error) {
	rec, err := p.db.GetSubmission(id)
	if err != nil {
		return nil, fmt.Errorf("loading submission %s: %w", id, err)
	}
	if rec == nil {
		return nil, database.ErrNotFound
	}
	res := &Result{SubmissionID: id, State: rec.State}
	if closed(rec.State) {
		res.step("Skip", "submission is %s", rec.State)
		return res, nil
	}

	lease := p.owner + "/" + uuid.NewString()
	ok, err := p.db.ClaimLease(id, lease, p.now(), p.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeased
	}
	defer func() {
		if err := p.db.ReleaseLease(id, lease); err != nil {
			slog.Warn("releasing lease", "submission", id, "error", err)
		}
	}()

	runErr := p.run(ctx, rec, res)
	if cur, err := p.db.GetSubmission(id); err == nil && cur != nil {
		res.State = cur.State
	}

	switch {
	case runErr == nil:
		return res, nil
	case errors.Is(runErr, database.ErrWithdrawn):
		res.State = database.StateWithdrawn
		res.step("Withdrawn", "submission was withdrawn; nothing committed")
		return res, nil
	case errors.Is(runErr, database.ErrAlreadyCommitted):
		// Another run committed first. Its own publish step finishes the job.
		res.step("Commit", "decision already committed by another run")
		return res, nil
	}
	return res, p.fail(rec, res, runErr)
}

// fail persists a stage failure with exponential backoff.
func (p *Pipeline) fail(rec *database.Submission, res *Result, runErr error) error {
	stage := stageOf(runErr)
	now := p.now()
	next := now.Add(p.backoff(rec.Attempts))
	res.Steps = append(res.Steps, StepResult{Name: stage, Err: runErr})

	if stage == StagePublish {
		if err := p.db.MarkPublishFailed(rec.ID, runErr.Error(), next, now); err != nil {
			return err
		}
		slog.Warn("publish failed; will retry", "submission", rec.ID, "next_attempt", next, "error", runErr)
		return &PipelineError{SubmissionID: rec.ID, Stage: stage, Err: runErr}
	}

	state, err := p.db.MarkErrored(rec.ID, runErr.Error(), next, p.maxAttempts, now)
	if err != nil {
		return fmt.Errorf("recording failure of %s: %w (original error: %v)", rec.ID, err, runErr)
	}
	res.State = state
	permanent := state == database.StateFailed
	if permanent {
		slog.Error("submission failed permanently", "submission", rec.ID, "stage", stage,
			"attempts", rec.Attempts+1, "error", runErr)
	} else {
		slog.Warn("submission errored", "submission", rec.ID, "stage", stage,
			"attempt", rec.Attempts+1, "next_attempt", next, "error", runErr)
	}
	return &PipelineError{SubmissionID: rec.ID, Stage: stage, Err: runErr, Permanent: permanent}
}

func (p *Pipeline) backoff(attempts int) time.Duration {
	return p.retryBackoff << min(attempts, 10)
}

func closed(state string) bool {
	switch state {
	case database.StatePublished, database.StateRejected, database.StateWithdrawn,
		database.StateInvalid, database.StateFailed:
		return true
	}
	return false
}

func (p *Pipeline) run(ctx context.Context, rec *database.Submission, res *Result) error {
	if rec.Committed() {
		return atStage(StagePublish, p.publish(ctx, rec.ID, res))
	}

	var sub submission.Submission
	if err := json.Unmarshal(rec.Payload, &sub); err != nil {
		return atStage(StageNovelty, fmt.Errorf("decoding submission payload: %w", err))
	}
	rules, ok := p.tax.Rules(string(sub.Type))
	if !ok {
		return atStage(StagePrompt, fmt.Errorf("no rubric for type %q", sub.Type))
	}
	cat, ok := p.tax.Category(sub.Category)
	if !ok {
		return atStage(StageDecision, fmt.Errorf("category %q is not in the taxonomy", sub.Category))
	}

	nov, cached, err := checkpoint(p, ctx, sub.ID, StageNovelty, database.StateNoveltyChecked,
		func(ctx context.Context) (*novelty.Result, error) {
			return p.c.Novelty.Check(ctx, &sub)
		})
	if err != nil {
		return atStage(StageNovelty, err)
	}
	res.step("Novelty", "score %.2f, %d candidates%s", nov.Score, len(nov.Candidates), note(cached, nov.LowConfidence))

	summary, cached, err := checkpoint(p, ctx, sub.ID, StageRepo, database.StateRepoChecked,
		func(ctx context.Context) (*repo.Summary, error) {
			return p.c.Repo.Inspect(ctx, &sub), nil
		})
	if err != nil {
		return atStage(StageRepo, err)
	}
	res.step("Repo", "badge candidate %s, %d files%s", summary.Badge, len(summary.Files), note(cached, false))

	text, cached, err := checkpoint(p, ctx, sub.ID, StagePrompt, database.StatePrompted,
		func(context.Context) (string, error) {
			return prompt.Assemble(prompt.Input{
				Submission: &sub,
				Rules:      rules,
				Novelty:    nov,
				Repo:       summary,
				Anchors:    p.c.Anchors,
			}), nil
		})
	if err != nil {
		return atStage(StagePrompt, err)
	}
	res.step("Prompt", "%d bytes%s", len(text), note(cached, false))

	verdict, cached, err := checkpoint(p, ctx, sub.ID, StageCritique, database.StateCritiqued,
		func(ctx context.Context) (*critique.Verdict, error) {
			return p.c.Critic.Critique(ctx, text, rules.Weights)
		})
	if err != nil {
		return atStage(StageCritique, err)
	}
	res.step("Critique", "critique verdict %s, aggregate %.2f%s", verdict.Verdict, verdict.Aggregate, note(cached, false))

	if err := p.ensureOpen(sub.ID); err != nil {
		return err
	}
	return p.decide(ctx, &sub, rules, cat, nov, summary, verdict, res)
}

func note(cached, lowConfidence bool) string {
	switch {
	case cached && lowConfidence:
		return " (checkpoint, low confidence)"
	case cached:
		return " (checkpoint)"
	case lowConfidence:
		return " (low confidence)"
	}
	return ""
}

// checkpoint returns the stored output of a stage, or runs it and stores
// the output while advancing the submission to state.
func checkpoint[T any](p *Pipeline, ctx context.Context, id, stage, state string, run func(context.Context) (T, error)) (T, bool, error) {
	var out T
	data, err := p.db.GetCheckpoint(id, stage)
	if err != nil {
		return out, false, fmt.Errorf("loading %s checkpoint: %w", stage, err)
	}
	if data != nil {
		if err := json.Unmarshal(data, &out); err == nil {
			return out, true, nil
		}
		slog.Warn("discarding unreadable checkpoint", "submission", id, "stage", stage)
	}

	if err := p.ensureOpen(id); err != nil {
		return out, false, err
	}
	out, err = run(ctx)
	if err != nil {
		return out, false, err
	}
	data, err = json.Marshal(out)
	if err != nil {
		return out, false, fmt.Errorf("encoding %s checkpoint: %w", stage, err)
	}
	if err := p.db.SaveCheckpoint(id, stage, data, state, p.now()); err != nil {
		return out, false, err
	}
	return out, false, nil
}

// ensureOpen stops a run whose submission was withdrawn in the meantime.
func (p *Pipeline) ensureOpen(id string) error {
	rec, err := p.db.GetSubmission(id)
	if err != nil {
		return err
	}
	switch {
	case rec == nil:
		return database.ErrNotFound
	case rec.State == database.StateWithdrawn:
		return database.ErrWithdrawn
	case rec.Committed():
		return database.ErrAlreadyCommitted
	}
	return nil
}

func (p *Pipeline) decide(ctx context.Context, sub *submission.Submission, rules taxonomy.TypeRules, cat taxonomy.Category,
	nov *novelty.Result, summary *repo.Summary, verdict *critique.Verdict, res *Result) error {
	now := p.now()
	period := cat.Period(now)
	used := 0
	if !cat.Unlimited() {
		n, err := p.db.SlotsUsed(cat.Slug, period.Key)
		if err != nil {
			return atStage(StageDecision, fmt.Errorf("reading slot usage: %w", err))
		}
		used = n
	}

	d := decision.Decide(decision.Input{
		Submission:   sub,
		Verdict:      verdict,
		Rules:        rules,
		Category:     cat,
		ValidityDays: p.tax.ValidityDays(cat.Class),
		Novelty:      nov,
		Repo:         summary,
		SlotsUsed:    used,
		Now:          now,
	})

	if d.Outcome == decision.Defer {
		if err := p.db.MarkDeferred(sub.ID, d.DeferUntil, now); err != nil {
			return atStage(StageDecision, err)
		}
		res.step("Decision", "qualifies with %.2f but %s has no open slot; deferred until %s",
			d.Aggregate, cat.Slug, d.DeferUntil.Format(time.DateOnly))
		slog.Info("submission deferred", "submission", sub.ID, "category", cat.Slug, "until", d.DeferUntil)
		return nil
	}

	commit := database.Commit{
		SubmissionID:  sub.ID,
		ContributorID: sub.ContributorID,
		Token:         uuid.NewString(),
		Accept:        d.Outcome == decision.Accept,
		Aggregate:     d.Aggregate,
		Now:           now,
		RenderReview:  d.Review.Render,
	}
	if commit.Accept {
		commit.Paper = &database.Paper{
			ID:            sub.ID,
			Category:      sub.Category,
			Type:          string(sub.Type),
			Title:         sub.Title,
			Abstract:      sub.Abstract,
			Body:          sub.Body,
			ContributorID: sub.ContributorID,
			Scores:        verdict.Scores,
			Aggregate:     d.Aggregate,
			Badge:         d.Badge,
			ValidUntil:    d.ValidUntil,
			Supersedes:    d.Supersedes,
		}
		commit.ConsumeSlot = d.ConsumeSlot && !cat.Unlimited()
		commit.SlotCategory = cat.Slug
		commit.SlotPeriod = d.SlotPeriod
		commit.SlotLimit = cat.MaxSlots
	} else {
		fb, err := json.MarshalIndent(d.Feedback, "", "  ")
		if err != nil {
			return atStage(StageDecision, err)
		}
		commit.Feedback = fb
	}

	result, err := p.db.CommitDecision(commit)
	if errors.Is(err, database.ErrSlotFull) {
		// Another commit took the last slot after usage was read above.
		if err := p.db.MarkDeferred(sub.ID, period.End, now); err != nil {
			return atStage(StageDecision, err)
		}
		res.step("Decision", "qualifies with %.2f but %s filled before commit; deferred until %s",
			d.Aggregate, cat.Slug, period.End.Format(time.DateOnly))
		slog.Info("submission deferred at commit", "submission", sub.ID, "category", cat.Slug, "until", period.End)
		return nil
	}
	if err != nil {
		if errors.Is(err, database.ErrWithdrawn) || errors.Is(err, database.ErrAlreadyCommitted) {
			return err
		}
		return atStage(StageDecision, fmt.Errorf("committing decision: %w", err))
	}
	slog.Info("decision committed", "submission", sub.ID, "outcome", d.Outcome, "aggregate", d.Aggregate)

	if !commit.Accept {
		res.step("Decision", "rejected with %.2f (%.2f below threshold)", d.Aggregate, d.Feedback.Gap)
		// The feedback row is committed; the store copy is best-effort.
		if err := p.c.Store.WriteFeedback(ctx, sub.ID, commit.Feedback); err != nil {
			slog.Error("writing feedback to artifact store", "submission", sub.ID, "error", err)
			res.Steps = append(res.Steps, StepResult{Name: "Feedback", Err: err})
		}
		return nil
	}

	superseded := "none"
	if result.Supersedes != nil {
		superseded = *result.Supersedes
	}
	res.step("Decision", "accepted with %.2f, badge %s, supersedes %s", d.Aggregate, d.Badge, superseded)
	return atStage(StagePublish, p.publish(ctx, sub.ID, res))
}

// publish writes the committed paper, its review and the refreshed index.
// It is safe to repeat.
func (p *Pipeline) publish(ctx context.Context, id string, res *Result) error {
	paper, err := p.db.GetPaper(id)
	if err != nil {
		return err
	}
	if paper == nil {
		return fmt.Errorf("committed submission %s has no paper", id)
	}
	review, err := p.db.GetReview(id)
	if err != nil {
		return err
	}
	if review == nil {
		return fmt.Errorf("committed submission %s has no review", id)
	}

	b := publish.Bundle{
		Record: RecordFromPaper(*paper),
		Article: publish.Article{
			Title:       paper.Title,
			Abstract:    paper.Abstract,
			Body:        paper.Body,
			PublishedAt: paper.PublishedAt,
		},
		Review: review.Record,
	}
	if paper.Supersedes != nil {
		old, err := p.db.GetPaper(*paper.Supersedes)
		if err != nil {
			return err
		}
		if old != nil {
			b.Amended = append(b.Amended, RecordFromPaper(*old))
		}
	}
	all, err := p.db.ListPapers(database.PaperFilter{})
	if err != nil {
		return err
	}
	for _, pp := range all {
		b.Catalog = append(b.Catalog, RecordFromPaper(pp))
	}

	if err := p.c.Store.Publish(ctx, b); err != nil {
		return err
	}
	if err := p.db.MarkPublished(id, p.now()); err != nil {
		return err
	}
	res.step("Publish", "published %s with %d index entries", id, len(b.Catalog))
	return nil
}

// RecordFromPaper converts an indexed paper to its published record.
func RecordFromPaper(p database.Paper) decision.Record {
	valid := p.ValidUntil
	return decision.Record{
		ID:            p.ID,
		Category:      p.Category,
		Type:          p.Type,
		Scores:        p.Scores,
		Aggregate:     p.Aggregate,
		Verdict:       critique.Accept,
		Badge:         p.Badge,
		ValidUntil:    &valid,
		Supersedes:    p.Supersedes,
		SupersededBy:  p.SupersededBy,
		ContributorID: p.ContributorID,
	}
}
