// Package reputation computes a contributor's reputation and tier from their
// full decision history. Nothing here is cached: callers pass the complete
// history every time.
package reputation

import (
	"math"
	"sort"
	"time"
)

// Outcome is the kind of a history event.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	// Flagged marks a gate rejection for an injection attempt.
	Flagged Outcome = "flagged"
)

// Tier is a coarse contributor standing.
type Tier string

const (
	TierNew         Tier = "new"
	TierEstablished Tier = "established"
	TierTrusted     Tier = "trusted"
	TierAuthority   Tier = "authority"
	TierSuspended   Tier = "suspended"
)

// Event is one entry of a contributor's append-only history.
type Event struct {
	SubmissionID string
	Outcome      Outcome
	// Score is the aggregate on the 0-10 scale. Unused for Flagged.
	Score      float64
	OccurredAt time.Time
}

// Result is the derived contributor standing.
type Result struct {
	Submitted  int
	Accepted   int
	Rejected   int
	Flags      int
	AvgScore   float64
	Reputation float64
	Tier       Tier
}

const (
	weightAcceptance  = 0.40
	weightScore       = 0.30
	weightConsistency = 0.15
	weightRecency     = 0.15

	consistencyWindow = 10
	recencyHalfLife   = 90 * 24 * time.Hour

	rejectionPenaltyFloor = 0.5
	rejectionPenaltyRate  = 0.5
	rejectionPenaltyMin   = 3
	flagPenalty           = 0.20
	suspendAfterFlags     = 2
)

// Calculate derives the contributor standing from history as of asOf. The
// result depends only on the set of events and asOf, not on their order.
func Calculate(history []Event, asOf time.Time) Result {
	events := make([]Event, len(history))
	copy(events, history)
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].SubmissionID < events[j].SubmissionID
	})

	var r Result
	var scores []float64
	var scoreSum float64
	for _, e := range events {
		switch e.Outcome {
		case Accepted:
			r.Accepted++
		case Rejected:
			r.Rejected++
		case Flagged:
			r.Flags++
			continue
		default:
			continue
		}
		scores = append(scores, e.Score)
		scoreSum += e.Score
	}
	r.Submitted = r.Accepted + r.Rejected
	r.Tier = tier(r.Accepted, 0, r.Flags)
	if r.Submitted == 0 {
		r.Reputation = clamp(-float64(r.Flags) * flagPenalty)
		return r
	}

	r.AvgScore = scoreSum / float64(r.Submitted)
	acceptanceRate := float64(r.Accepted) / float64(r.Submitted)

	reputation := weightAcceptance*acceptanceRate +
		weightScore*clamp(r.AvgScore/10) +
		weightConsistency*consistency(scores) +
		weightRecency*recency(events, asOf)

	rejectionRate := float64(r.Rejected) / float64(r.Submitted)
	if r.Submitted >= rejectionPenaltyMin && rejectionRate > rejectionPenaltyFloor {
		reputation -= (rejectionRate - rejectionPenaltyFloor) * rejectionPenaltyRate
	}
	reputation -= float64(r.Flags) * flagPenalty

	r.Reputation = clamp(reputation)
	r.Tier = tier(r.Accepted, r.AvgScore, r.Flags)
	return r
}

// consistency is the inverse variance of the most recent scores. Fewer than
// two scores give a neutral 0.5.
func consistency(scores []float64) float64 {
	if len(scores) > consistencyWindow {
		scores = scores[len(scores)-consistencyWindow:]
	}
	if len(scores) < 2 {
		return 0.5
	}
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))
	return 1 / (1 + variance/4)
}

// recency is the acceptance rate with each decision weighted by an
// exponential decay of its age relative to asOf.
func recency(events []Event, asOf time.Time) float64 {
	var weighted, total float64
	for _, e := range events {
		if e.Outcome != Accepted && e.Outcome != Rejected {
			continue
		}
		age := asOf.Sub(e.OccurredAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, float64(age)/float64(recencyHalfLife))
		total += w
		if e.Outcome == Accepted {
			weighted += w
		}
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func tier(accepted int, avg float64, flags int) Tier {
	switch {
	case flags >= suspendAfterFlags:
		return TierSuspended
	case accepted >= 10 && avg > 8.0:
		return TierAuthority
	case accepted >= 5 && avg >= 7.0:
		return TierTrusted
	case accepted >= 2 && avg >= 6.0:
		return TierEstablished
	default:
		return TierNew
	}
}

// AsOf returns the time of the latest event, the reference point used for
// persisted recomputation.
func AsOf(history []Event) time.Time {
	var latest time.Time
	for _, e := range history {
		if e.OccurredAt.After(latest) {
			latest = e.OccurredAt
		}
	}
	return latest
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
