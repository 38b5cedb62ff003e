package database

import (
	"time"

	"github.com/TobiSchelling/peerreview/internal/rubric"
)

// Submission states.
const (
	StatePending        = "pending"
	StateNoveltyChecked = "novelty_checked"
	StateRepoChecked    = "repo_checked"
	StatePrompted       = "prompted"
	StateCritiqued      = "critiqued"
	StateDecided        = "decided"
	StatePublished      = "published"
	StateRejected       = "rejected"
	StateDeferred       = "deferred"
	StateErrored        = "errored"
	StateFailed         = "failed"
	StateWithdrawn      = "withdrawn"
	StateInvalid        = "invalid"
)

// Paper statuses.
const (
	PaperCurrent    = "current"
	PaperSuperseded = "superseded"
)

// Submission is a persisted submission with its pipeline bookkeeping.
type Submission struct {
	ID             string
	ContributorID  string
	Title          string
	Category       string
	Type           string
	Paid           bool
	Payload        []byte
	State          string
	ReasonCode     *string
	LastError      *string
	Attempts       int
	EnqueuedAt     time.Time
	NextAttemptAt  *time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	CommitToken    *string
	CommittedAt    *time.Time
	UpdatedAt      time.Time
}

// Committed reports whether the decision for this submission is durable.
func (s *Submission) Committed() bool {
	return s.CommitToken != nil
}

// NewSubmission is the input for InsertSubmission.
type NewSubmission struct {
	ID            string
	ContributorID string
	Title         string
	Category      string
	Type          string
	Paid          bool
	Payload       []byte
	// ReasonCode set means the gate rejected the submission. It is stored as
	// invalid and never queued.
	ReasonCode string
	LastError  string
	// Flag appends an injection flag to the contributor history.
	Flag bool
	Now  time.Time
}

// QueueCandidate is a runnable submission joined with its contributor
// standing, used to rank the queue.
type QueueCandidate struct {
	ID            string
	ContributorID string
	Category      string
	Paid          bool
	State         string
	EnqueuedAt    time.Time
	Reputation    float64
}

// Paper is an accepted submission in the internal index.
type Paper struct {
	ID            string
	Category      string
	Type          string
	Title         string
	Abstract      string
	Body          string
	ContributorID string
	Scores        rubric.Scores
	Aggregate     float64
	Badge         string
	Status        string
	PublishedAt   time.Time
	ValidUntil    time.Time
	Supersedes    *string
	SupersededBy  *string
}

// PaperFilter selects papers for ListPapers. Zero values match everything.
type PaperFilter struct {
	Category string
	Status   string
	Badge    string
	// Query matches case-insensitively as a substring of title or abstract.
	Query    string
	MinScore float64
	// ByScore orders by aggregate score instead of publication time.
	ByScore bool
	Limit   uint64
}

// SubmissionFilter selects submissions for ListSubmissions.
type SubmissionFilter struct {
	States        []string
	ContributorID string
	Category      string
	Limit         uint64
}

// Review is the stored review for a submission.
type Review struct {
	SubmissionID string
	Verdict      string
	Aggregate    float64
	Record       []byte
	CreatedAt    time.Time
}

// Contributor is the derived standing snapshot of a contributor.
type Contributor struct {
	ID         string
	Submitted  int
	Accepted   int
	Rejected   int
	Flags      int
	AvgScore   float64
	Reputation float64
	Tier       string
	UpdatedAt  time.Time
}
