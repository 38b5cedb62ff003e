// Package decision turns a validated critique into a terminal outcome for a
// submission. Decide is pure: the clock and the slot state are inputs.
package decision

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/TobiSchelling/peerreview/internal/critique"
	"github.com/TobiSchelling/peerreview/internal/novelty"
	"github.com/TobiSchelling/peerreview/internal/repo"
	"github.com/TobiSchelling/peerreview/internal/rubric"
	"github.com/TobiSchelling/peerreview/internal/submission"
	"github.com/TobiSchelling/peerreview/internal/taxonomy"
)

// Outcome is the result of a decision.
type Outcome string

const (
	Accept Outcome = "accept"
	Reject Outcome = "reject"
	// Defer means the paper qualifies but its category has no open slot in
	// the current period.
	Defer Outcome = "defer"
)

// maxRelated is the number of related records embedded in a review.
const maxRelated = 5

// Input is everything the engine needs for one submission.
type Input struct {
	Submission *submission.Submission
	Verdict    *critique.Verdict
	Rules      taxonomy.TypeRules
	Category   taxonomy.Category
	// ValidityDays is the validity window for the category's class.
	ValidityDays int
	Novelty      *novelty.Result
	Repo         *repo.Summary
	SlotsUsed    int
	Now          time.Time
}

// Decision is the engine's output.
type Decision struct {
	Outcome   Outcome
	Aggregate float64
	Badge     string
	// Supersedes is the supersession candidate. The commit may drop it if
	// the candidate stopped being current in the meantime.
	Supersedes  *string
	ValidUntil  time.Time
	ConsumeSlot bool
	SlotPeriod  string
	DeferUntil  time.Time
	Review      Review
	Feedback    *Feedback
}

// Record is the published paper record. Its shape is consumed downstream
// and must stay stable.
type Record struct {
	ID            string        `json:"id"`
	Category      string        `json:"category"`
	Type          string        `json:"type"`
	Scores        rubric.Scores `json:"scores"`
	Aggregate     float64       `json:"aggregate"`
	Verdict       string        `json:"verdict"`
	Badge         string        `json:"badge"`
	ValidUntil    *time.Time    `json:"valid_until"`
	Supersedes    *string       `json:"supersedes"`
	SupersededBy  *string       `json:"superseded_by"`
	ContributorID string        `json:"contributor_id"`
}

// Review is the full stored review: the published record plus the critique
// detail behind it.
type Review struct {
	Record
	Title           string                 `json:"title"`
	Weights         rubric.Weights         `json:"weights"`
	CritiqueVerdict string                 `json:"critique_verdict"`
	Summary         string                 `json:"summary"`
	Strengths       []string               `json:"strengths"`
	Weaknesses      []string               `json:"weaknesses"`
	Suggestions     []string               `json:"suggestions"`
	Claims          []critique.Claim       `json:"claims"`
	NoveltyNotes    []critique.NoveltyNote `json:"novelty_notes,omitempty"`
	NoveltyScore    float64                `json:"novelty_score"`
	LowConfidence   bool                   `json:"novelty_low_confidence"`
	Related         []novelty.Record       `json:"related,omitempty"`
	RepoFailure     string                 `json:"repo_failure,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	DecidedAt       time.Time              `json:"decided_at"`
}

// Render returns the review JSON with the supersession link the commit
// actually applied.
func (r Review) Render(supersedes *string) ([]byte, error) {
	r.Supersedes = supersedes
	return json.MarshalIndent(r, "", "  ")
}

// DimensionScore is one dimension's contribution in reject feedback.
type DimensionScore struct {
	Dimension rubric.Dimension `json:"dimension"`
	Score     float64          `json:"score"`
	Weight    float64          `json:"weight"`
	// Shortfall is the weighted points lost on the 0-10 scale.
	Shortfall float64 `json:"shortfall"`
}

// Feedback is sent to the author of a rejected submission.
type Feedback struct {
	SubmissionID string           `json:"submission_id"`
	Title        string           `json:"title"`
	Aggregate    float64          `json:"aggregate"`
	Threshold    float64          `json:"threshold"`
	Gap          float64          `json:"gap"`
	Scores       []DimensionScore `json:"scores"`
	Shortfalls   []DimensionScore `json:"largest_shortfalls"`
	Summary      string           `json:"summary"`
	Weaknesses   []string         `json:"weaknesses"`
	Suggestions  []string         `json:"suggestions"`
}

// Decide applies the acceptance threshold and derives every effect of the
// outcome. The aggregate is recomputed from the type weights; the value the
// critique service reported is never trusted.
func Decide(in Input) Decision {
	sub, v := in.Submission, in.Verdict
	aggregate := rubric.Aggregate(v.Scores, in.Rules.Weights)

	d := Decision{
		Aggregate: aggregate,
		Badge:     badge(sub, in.Repo),
	}
	d.Review = Review{
		Record: Record{
			ID:            sub.ID,
			Category:      sub.Category,
			Type:          string(sub.Type),
			Scores:        v.Scores,
			Aggregate:     round2(aggregate),
			Badge:         d.Badge,
			ContributorID: sub.ContributorID,
		},
		Title:           sub.Title,
		Weights:         in.Rules.Weights,
		CritiqueVerdict: v.Verdict,
		Summary:         v.Summary,
		Strengths:       v.Strengths,
		Weaknesses:      v.Weaknesses,
		Suggestions:     v.Suggestions,
		Claims:          v.Claims,
		NoveltyNotes:    v.NoveltyNotes,
		Warnings:        sub.Warnings,
		DecidedAt:       in.Now.UTC(),
	}
	if in.Novelty != nil {
		d.Review.NoveltyScore = in.Novelty.Score
		d.Review.LowConfidence = in.Novelty.LowConfidence
		related := in.Novelty.Candidates
		if len(related) > maxRelated {
			related = related[:maxRelated]
		}
		d.Review.Related = related
	}
	if in.Repo != nil {
		d.Review.RepoFailure = in.Repo.FailureReason
	}

	if !rubric.Passes(aggregate) {
		d.Outcome = Reject
		d.Review.Verdict = critique.Reject
		d.Review.Badge = ""
		d.Badge = ""
		d.Feedback = feedback(sub, v, in.Rules.Weights, aggregate)
		return d
	}

	period := in.Category.Period(in.Now)
	if !in.Category.Unlimited() && in.SlotsUsed >= in.Category.MaxSlots {
		d.Outcome = Defer
		d.DeferUntil = period.End
		return d
	}

	d.Outcome = Accept
	d.Review.Verdict = critique.Accept
	d.ValidUntil = in.Now.UTC().AddDate(0, 0, in.ValidityDays)
	d.Review.ValidUntil = &d.ValidUntil
	d.ConsumeSlot = true
	d.SlotPeriod = period.Key
	if in.Novelty != nil && in.Novelty.SupersessionCandidate != nil {
		id := in.Novelty.SupersessionCandidate.ID
		d.Supersedes = &id
		d.Review.Supersedes = &id
	}
	return d
}

// badge finalizes the trust label. A submission that never linked a repo is
// text-only whatever the inspector reported.
func badge(sub *submission.Submission, summary *repo.Summary) string {
	if !sub.HasRepo() {
		return repo.BadgeTextOnly
	}
	if summary == nil || summary.Badge == "" || summary.Badge == repo.BadgeTextOnly {
		return repo.BadgeVerifiedPrivate
	}
	return summary.Badge
}

func feedback(sub *submission.Submission, v *critique.Verdict, weights rubric.Weights, aggregate float64) *Feedback {
	f := &Feedback{
		SubmissionID: sub.ID,
		Title:        sub.Title,
		Aggregate:    round2(aggregate),
		Threshold:    rubric.Threshold,
		Gap:          round2(rubric.Threshold - aggregate),
		Summary:      v.Summary,
		Weaknesses:   v.Weaknesses,
		Suggestions:  v.Suggestions,
	}
	for _, dim := range rubric.Dimensions {
		score, weight := v.Scores.Get(dim), weights.Get(dim)
		f.Scores = append(f.Scores, DimensionScore{
			Dimension: dim,
			Score:     score,
			Weight:    weight,
			Shortfall: round2(weight * (1 - score) * 10),
		})
	}

	shortfalls := make([]DimensionScore, len(f.Scores))
	copy(shortfalls, f.Scores)
	sort.SliceStable(shortfalls, func(i, j int) bool {
		return shortfalls[i].Shortfall > shortfalls[j].Shortfall
	})
	f.Shortfalls = shortfalls[:3]
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
