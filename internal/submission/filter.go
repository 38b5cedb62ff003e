package submission

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/TobiSchelling/peerreview/internal/taxonomy"
)

// Rejection reason codes.
const (
	CodeMalformed            = "malformed"
	CodeInvalidID            = "invalid_id"
	CodeMissingField         = "missing_field"
	CodeInvalidType          = "invalid_type"
	CodeAbstractTooLong      = "abstract_too_long"
	CodeBodyTooShort         = "body_too_short"
	CodeUnknownCategory      = "unknown_category"
	CodeSlotUnavailable      = "slot_unavailable"
	CodeContributorSuspended = "contributor_suspended"
	CodeInjectionDetected    = "injection_detected"
	CodeUnsupportedScript    = "unsupported_script"
	CodeInvalidRepoURL       = "invalid_repo_url"
	CodeRepoCommitMissing    = "repo_commit_missing"
)

// ValidationError is a terminal rejection at the gate. It is reported to the
// submitter and never retried.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Env carries everything the gate consults besides the record itself.
type Env struct {
	Taxonomy *taxonomy.Taxonomy
	// SlotsUsed returns accepted papers in category for the period key.
	SlotsUsed func(category, periodKey string) (int, error)
	// Suspended reports whether the author's contributor tier is suspended.
	Suspended bool
	Now       time.Time
}

var injectionPatterns = compileAll(
	`ignore\s+(all\s+)?previous\s+instructions`,
	`ignore\s+the\s+above`,
	`disregard\s+(all\s+)?prior`,
	`you\s+are\s+now\s+(a|an)\b`,
	`new\s+instructions?\s*:`,
	`system\s*:\s*you`,
	`<\s*/?\s*system\s*>`,
	`override\s+(the\s+)?prompt`,
	`forget\s+(everything|all|your)`,
	`(score|rate)\s+this\s+(paper|article|submission)\s+(a\s+)?10`,
)

var (
	idRe         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	githubRepoRe = regexp.MustCompile(`^https?://github\.com/[\w.-]+/[\w.-]+?(\.git)?/?$`)
	commitRe     = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(`(?i)` + p)
	}
	return res
}

// ValidID reports whether id is safe to use as a path segment and object key:
// ASCII letters, digits, dot, underscore and hyphen, not starting with a dot
// or hyphen, at most 128 characters.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

// commonEnglish is used for the low-confidence language warning.
var commonEnglish = []string{"the", "is", "of", "and", "to", "in", "a", "that", "for", "it"}

// Filter validates a raw record and returns the normalized Submission, or a
// *ValidationError naming the first failed check. Other errors come from the
// slot lookup.
func Filter(raw Raw, env Env) (*Submission, error) {
	s := &Submission{
		ID:            strings.TrimSpace(raw.ID),
		Title:         strings.TrimSpace(raw.Title),
		Category:      strings.TrimSpace(raw.Category),
		Abstract:      strings.TrimSpace(raw.Abstract),
		Body:          strings.TrimSpace(raw.Body),
		ContributorID: strings.TrimSpace(raw.Author),
		Paid:          strings.TrimSpace(raw.PaymentCode) != "",
	}

	if s.ID != "" && !ValidID(s.ID) {
		return nil, &ValidationError{Code: CodeInvalidID, Field: "id", Message: fmt.Sprintf("id %q may only contain letters, digits, '.', '_' and '-'", s.ID)}
	}

	for _, f := range []struct{ name, value string }{
		{"title", s.Title},
		{"category", s.Category},
		{"type", raw.Type},
		{"abstract", s.Abstract},
		{"body", s.Body},
		{"author", s.ContributorID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, &ValidationError{Code: CodeMissingField, Field: f.name, Message: "required field is empty"}
		}
	}

	if pattern := detectInjection(s); pattern != "" {
		return nil, &ValidationError{
			Code:    CodeInjectionDetected,
			Message: fmt.Sprintf("submission text matches injection pattern %q", pattern),
		}
	}

	typ, ok := ParseType(raw.Type)
	if !ok {
		return nil, &ValidationError{Code: CodeInvalidType, Field: "type", Message: fmt.Sprintf("unknown submission type %q", raw.Type)}
	}
	s.Type = typ
	rules, ok := env.Taxonomy.Rules(string(typ))
	if !ok {
		return nil, &ValidationError{Code: CodeInvalidType, Field: "type", Message: fmt.Sprintf("no rubric configured for %q", typ)}
	}

	abstractWords := WordCount(s.Abstract)
	if rules.MaxAbstractWords > 0 {
		if abstractWords > rules.MaxAbstractWords+env.Taxonomy.AbstractSlack() {
			return nil, &ValidationError{
				Code:    CodeAbstractTooLong,
				Field:   "abstract",
				Message: fmt.Sprintf("abstract has %d words, limit is %d", abstractWords, rules.MaxAbstractWords),
			}
		}
		if abstractWords > rules.MaxAbstractWords {
			s.Warnings = append(s.Warnings, fmt.Sprintf("abstract is slightly over %d words (%d)", rules.MaxAbstractWords, abstractWords))
		}
	}
	bodyWords := WordCount(s.Body)
	if bodyWords < rules.MinBodyWords {
		return nil, &ValidationError{
			Code:    CodeBodyTooShort,
			Field:   "body",
			Message: fmt.Sprintf("body has %d words, minimum is %d", bodyWords, rules.MinBodyWords),
		}
	}

	category, ok := env.Taxonomy.Category(s.Category)
	if !ok {
		return nil, &ValidationError{
			Code:    CodeUnknownCategory,
			Field:   "category",
			Message: fmt.Sprintf("unknown category %q (valid: %s)", s.Category, strings.Join(env.Taxonomy.CategorySlugs(), ", ")),
		}
	}
	if !category.Unlimited() && env.SlotsUsed != nil {
		period := category.Period(env.Now)
		used, err := env.SlotsUsed(category.Slug, period.Key)
		if err != nil {
			return nil, fmt.Errorf("checking slots for %s: %w", category.Slug, err)
		}
		if used >= category.MaxSlots {
			return nil, &ValidationError{
				Code:    CodeSlotUnavailable,
				Field:   "category",
				Message: fmt.Sprintf("%s has no open slot until %s", category.Slug, period.End.Format("2006-01-02")),
			}
		}
	}

	if env.Suspended {
		return nil, &ValidationError{Code: CodeContributorSuspended, Message: "contributor is suspended"}
	}

	if nonLatinShare(s.Title+" "+s.Abstract+" "+s.Body) > 0.5 {
		return nil, &ValidationError{Code: CodeUnsupportedScript, Message: "only Latin-script submissions are reviewed"}
	}
	if bodyWords >= 50 && englishOverlap(s.Body) < 3 {
		s.Warnings = append(s.Warnings, "body may not be in English")
	}

	if err := normalizeRepo(s, raw); err != nil {
		return nil, err
	}

	return s, nil
}

func detectInjection(s *Submission) string {
	body := s.Body
	if len(body) > 2000 {
		body = body[:2000]
	}
	for _, text := range []string{s.Title, s.Abstract, body} {
		for _, re := range injectionPatterns {
			if re.MatchString(text) {
				return re.String()
			}
		}
	}
	return ""
}

func nonLatinShare(text string) float64 {
	var letters, other int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !unicode.Is(unicode.Latin, r) {
			other++
		}
	}
	if letters < 20 {
		return 0
	}
	return float64(other) / float64(letters)
}

func englishOverlap(body string) int {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(body)) {
		words[w] = true
	}
	n := 0
	for _, w := range commonEnglish {
		if words[w] {
			n++
		}
	}
	return n
}

func normalizeRepo(s *Submission, raw Raw) error {
	url := strings.TrimSpace(raw.RepoURL)
	if url == "" {
		s.Visibility = VisibilityNone
		return nil
	}
	if !githubRepoRe.MatchString(url) {
		return &ValidationError{Code: CodeInvalidRepoURL, Field: "repo_url", Message: fmt.Sprintf("%q is not a github.com owner/repo URL", url)}
	}
	commit := strings.ToLower(strings.TrimSpace(raw.CommitSHA))
	if commit == "" {
		return &ValidationError{Code: CodeRepoCommitMissing, Field: "commit_sha", Message: "a linked repository must be pinned to a commit"}
	}
	if !commitRe.MatchString(commit) {
		return &ValidationError{Code: CodeRepoCommitMissing, Field: "commit_sha", Message: fmt.Sprintf("%q is not a commit SHA", raw.CommitSHA)}
	}
	s.Repo = &RepoRef{URL: strings.TrimSuffix(url, "/"), Commit: commit}

	switch strings.ToLower(strings.TrimSpace(raw.Visibility)) {
	case "private":
		s.Visibility = VisibilityPrivate
	default:
		s.Visibility = VisibilityPublic
	}
	return nil
}
