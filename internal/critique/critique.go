// Package critique obtains and validates a structured review from the
// critique service. Responses are untrusted: nothing is used until the whole
// object validates.
package critique

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/TobiSchelling/peerreview/internal/llm"
	"github.com/TobiSchelling/peerreview/internal/prompt"
	"github.com/TobiSchelling/peerreview/internal/rubric"
)

// Verdict labels returned by the critique service.
const (
	Accept = "ACCEPT"
	Reject = "REJECT"
)

// Claim is one fact-checked statement from the article.
type Claim struct {
	Text       string  `json:"text"`
	Verified   bool    `json:"verified"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// NoveltyNote relates the submission to one piece of prior work.
type NoveltyNote struct {
	ID           string `json:"id"`
	Contribution string `json:"contribution"`
}

// Verdict is a validated critique.
type Verdict struct {
	Scores           rubric.Scores `json:"scores"`
	Aggregate        float64       `json:"aggregate"`
	Verdict          string        `json:"verdict"`
	Summary          string        `json:"summary"`
	Strengths        []string      `json:"strengths"`
	Weaknesses       []string      `json:"weaknesses"`
	Suggestions      []string      `json:"suggestions"`
	HasFactualClaims bool          `json:"has_factual_claims"`
	Claims           []Claim       `json:"claims"`
	NoveltyNotes     []NoveltyNote `json:"novelty_notes,omitempty"`
	Repaired         bool          `json:"repaired,omitempty"`
}

// TransientServiceError means the critique service stayed unavailable after
// all retries.
type TransientServiceError struct {
	Attempts int
	Err      error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("critique service unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// SchemaViolationError means the response failed validation, including after
// the repair attempt.
type SchemaViolationError struct {
	Violations []string
	Raw        string
}

func (e *SchemaViolationError) Error() string {
	return "critique output invalid: " + strings.Join(e.Violations, "; ")
}

// Invoker calls the critique service with bounded retries.
type Invoker struct {
	Provider    llm.Provider
	MaxTokens   int
	MaxRetries  int
	BackoffBase time.Duration
	// Sleep waits between retries. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Critique sends the prompt and returns a validated verdict. A response that
// fails validation is retried once with a repair instruction.
func (iv *Invoker) Critique(ctx context.Context, promptText string, weights rubric.Weights) (*Verdict, error) {
	raw, err := iv.call(ctx, promptText)
	if err != nil {
		return nil, err
	}
	v, violations := Validate(raw, weights)
	if len(violations) == 0 {
		return v, nil
	}

	slog.Warn("critique output invalid, requesting repair", "violations", len(violations), "first", violations[0])
	raw, err = iv.call(ctx, prompt.Repair(promptText, violations))
	if err != nil {
		return nil, err
	}
	v, violations = Validate(raw, weights)
	if len(violations) > 0 {
		return nil, &SchemaViolationError{Violations: violations, Raw: raw}
	}
	v.Repaired = true
	return v, nil
}

func (iv *Invoker) call(ctx context.Context, p string) (string, error) {
	if iv.Provider == nil {
		return "", &TransientServiceError{Attempts: 0, Err: errors.New("no critique provider configured")}
	}
	attempts := iv.MaxRetries + 1
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			wait := iv.BackoffBase * time.Duration(1<<(n-1))
			slog.Info("retrying critique service", "attempt", n+1, "wait", wait, "error", lastErr)
			if err := iv.sleep(ctx, wait); err != nil {
				return "", &TransientServiceError{Attempts: n, Err: err}
			}
		}
		text, err := iv.Provider.Generate(ctx, p, iv.MaxTokens)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("empty response")
		}
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", &TransientServiceError{Attempts: n + 1, Err: ctx.Err()}
		}
	}
	return "", &TransientServiceError{Attempts: attempts, Err: lastErr}
}

func (iv *Invoker) sleep(ctx context.Context, d time.Duration) error {
	if iv.Sleep != nil {
		return iv.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type wireClaim struct {
	Text       *string  `json:"text"`
	Verified   *bool    `json:"verified"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence"`
}

type wireResponse struct {
	Scores           map[string]*float64 `json:"scores"`
	Aggregate        *float64            `json:"aggregate"`
	Verdict          *string             `json:"verdict"`
	Summary          string              `json:"summary"`
	Strengths        []string            `json:"strengths"`
	Weaknesses       []string            `json:"weaknesses"`
	Suggestions      []string            `json:"suggestions"`
	HasFactualClaims *bool               `json:"has_factual_claims"`
	Claims           []wireClaim         `json:"claims"`
	NoveltyNotes     []NoveltyNote       `json:"novelty_notes"`
}

// Validate checks a raw response against the output schema and the declared
// weights. It returns every violation found; the verdict is nil unless there
// are none.
func Validate(raw string, weights rubric.Weights) (*Verdict, []string) {
	obj := llm.ExtractJSON(raw)
	if obj == "" {
		return nil, []string{"response contains no JSON object"}
	}
	var w wireResponse
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return nil, []string{fmt.Sprintf("response does not match the schema: %v", err)}
	}

	var problems []string
	v := &Verdict{
		Summary:      w.Summary,
		Strengths:    w.Strengths,
		Weaknesses:   w.Weaknesses,
		Suggestions:  w.Suggestions,
		NoveltyNotes: w.NoveltyNotes,
	}

	if w.Scores == nil {
		problems = append(problems, "scores object is missing")
	} else {
		for _, d := range rubric.Dimensions {
			s, ok := w.Scores[string(d)]
			if !ok || s == nil {
				problems = append(problems, fmt.Sprintf("%s score is missing", d))
				continue
			}
			v.Scores.Set(d, *s)
		}
		if len(problems) == 0 {
			problems = append(problems, v.Scores.Validate()...)
		}
	}

	switch {
	case w.Aggregate == nil:
		problems = append(problems, "aggregate is missing")
	case len(problems) == 0:
		v.Aggregate = *w.Aggregate
		want := rubric.Aggregate(v.Scores, weights)
		if math.Abs(*w.Aggregate-want) > rubric.AggregateTolerance {
			problems = append(problems, fmt.Sprintf("aggregate %.2f does not match weighted scores %.2f", *w.Aggregate, want))
		}
	}

	if w.Verdict == nil {
		problems = append(problems, "verdict is missing")
	} else {
		verdict := strings.ToUpper(strings.TrimSpace(*w.Verdict))
		if verdict != Accept && verdict != Reject {
			problems = append(problems, fmt.Sprintf("verdict %q is not ACCEPT or REJECT", *w.Verdict))
		}
		v.Verdict = verdict
	}

	if w.HasFactualClaims == nil {
		problems = append(problems, "has_factual_claims is missing")
	} else {
		v.HasFactualClaims = *w.HasFactualClaims
		if v.HasFactualClaims && len(w.Claims) == 0 {
			problems = append(problems, "has_factual_claims is true but claims is empty")
		}
	}

	for i, c := range w.Claims {
		if c.Text == nil || strings.TrimSpace(*c.Text) == "" {
			problems = append(problems, fmt.Sprintf("claim %d has no text", i+1))
			continue
		}
		if c.Verified == nil {
			problems = append(problems, fmt.Sprintf("claim %d has no verified flag", i+1))
			continue
		}
		claim := Claim{Text: *c.Text, Verified: *c.Verified, Source: c.Source}
		if c.Confidence != nil {
			if *c.Confidence < 0 || *c.Confidence > 1 {
				problems = append(problems, fmt.Sprintf("claim %d confidence %v is outside [0,1]", i+1, *c.Confidence))
			}
			claim.Confidence = *c.Confidence
		}
		v.Claims = append(v.Claims, claim)
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return v, nil
}
