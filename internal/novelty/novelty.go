// Package novelty relates a submission to prior work in external corpora and
// the journal's own index.
package novelty

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/TobiSchelling/peerreview/internal/submission"
)

// Record sources.
const (
	SourceArxiv           = "arxiv"
	SourceSemanticScholar = "semantic_scholar"
	SourceInternal        = "internal"
)

// Query is what a searcher is asked for.
type Query struct {
	Text      string
	Keywords  []string
	Category  string
	ExcludeID string
}

// Record is one related work returned by a searcher.
type Record struct {
	Source   string  `json:"source"`
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Abstract string  `json:"abstract,omitempty"`
	URL      string  `json:"url,omitempty"`
	Year     int     `json:"year,omitempty"`
	Category string  `json:"category,omitempty"`
	Status   string  `json:"status,omitempty"`
	Overlap  float64 `json:"overlap"`
}

// Searcher looks up related work. Implementations must honor ctx.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Record, error)
}

// Result is the novelty verdict embedded in the review.
type Result struct {
	Keywords              []string `json:"keywords"`
	Candidates            []Record `json:"candidates"`
	SupersessionCandidate *Record  `json:"supersession_candidate,omitempty"`
	Score                 float64  `json:"score"`
	LowConfidence         bool     `json:"low_confidence"`
	SourceErrors          []string `json:"source_errors,omitempty"`
}

// Checker consults external searchers best-effort and the internal index
// strictly.
type Checker struct {
	External              []Searcher
	Internal              Searcher
	Timeout               time.Duration
	SupersessionThreshold float64
	MaxCandidates         int
}

// Check computes the novelty result for a validated submission. Only an
// internal index failure is returned as an error.
func (c *Checker) Check(ctx context.Context, sub *submission.Submission) (*Result, error) {
	keywords := Keywords(sub.Title + " " + sub.Abstract)
	q := Query{
		Text:      queryText(keywords),
		Keywords:  keywords,
		Category:  sub.Category,
		ExcludeID: sub.ID,
	}
	res := &Result{Keywords: keywords}

	var all []Record
	for _, s := range c.External {
		records, err := c.search(ctx, s, q)
		if err != nil {
			slog.Warn("novelty source failed", "submission", sub.ID, "source", s.Name(), "error", err)
			res.LowConfidence = true
			res.SourceErrors = append(res.SourceErrors, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		all = append(all, records...)
	}

	if c.Internal != nil {
		records, err := c.search(ctx, c.Internal, q)
		if err != nil {
			return nil, fmt.Errorf("searching internal index: %w", err)
		}
		all = append(all, records...)
	}

	for i := range all {
		all[i].Overlap = round3(Overlap(keywords, Keywords(all[i].Title+" "+all[i].Abstract)))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Overlap != all[j].Overlap {
			return all[i].Overlap > all[j].Overlap
		}
		if all[i].Source != all[j].Source {
			return all[i].Source < all[j].Source
		}
		return all[i].ID < all[j].ID
	})

	best := 0.0
	if len(all) > 0 {
		best = all[0].Overlap
	}
	res.Score = math.Max(0, 1-best)

	threshold := c.SupersessionThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	for i := range all {
		r := all[i]
		if r.Source == SourceInternal && r.Overlap >= threshold &&
			r.Category == sub.Category && r.Status == "current" {
			res.SupersessionCandidate = &r
			break
		}
	}

	if c.MaxCandidates > 0 && len(all) > c.MaxCandidates {
		all = all[:c.MaxCandidates]
	}
	res.Candidates = all
	if res.Candidates == nil {
		res.Candidates = []Record{}
	}

	slog.Info("novelty checked", "submission", sub.ID, "candidates", len(all),
		"score", res.Score, "low_confidence", res.LowConfidence)
	return res, nil
}

func (c *Checker) search(ctx context.Context, s Searcher, q Query) ([]Record, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return s.Search(ctx, q)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
