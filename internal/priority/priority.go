// Package priority ranks pending submissions. Scores are computed from the
// current contributor standing at dequeue time and never stored.
package priority

import (
	"sort"
	"time"
)

const (
	coefReputation = 3.0
	coefPaid       = 2.0
	coefDemand     = 1.5
	baseOffset     = 1.0
)

// Entry is one pending submission with the inputs its priority depends on.
type Entry struct {
	SubmissionID string
	EnqueuedAt   time.Time
	Reputation   float64
	Paid         bool
	// Demand is the open share of the category's slots, in [0,1].
	Demand float64
	Score  float64
}

// Score computes queue priority. It is strictly increasing in reputation and
// in the payment flag.
func Score(reputation float64, paid bool, demand float64) float64 {
	p := coefReputation*reputation + coefDemand*clamp(demand) + baseOffset
	if paid {
		p += coefPaid
	}
	return p
}

// Demand is the open fraction of a category's slots. Unlimited categories,
// signalled by max <= 0, are fully open.
func Demand(used, max int) float64 {
	if max <= 0 {
		return 1
	}
	if used >= max {
		return 0
	}
	return float64(max-used) / float64(max)
}

// Label buckets a priority score for display.
func Label(score float64) string {
	switch {
	case score >= 6:
		return "critical"
	case score >= 4:
		return "high"
	case score >= 2:
		return "normal"
	default:
		return "low"
	}
}

// Rank fills in each entry's Score and sorts by score descending. Equal
// scores keep FIFO order by enqueue time, then by submission ID.
func Rank(entries []Entry) []Entry {
	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	for i := range ranked {
		ranked[i].Score = Score(ranked[i].Reputation, ranked[i].Paid, ranked[i].Demand)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.SubmissionID < b.SubmissionID
	})
	return ranked
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
