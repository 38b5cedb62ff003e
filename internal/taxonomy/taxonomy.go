// Package taxonomy loads the journal taxonomy: categories with their slot
// rules and validity classes, and the rubric weights per submission type.
//
// A Taxonomy is loaded once per invocation and never mutated afterwards.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/peerreview/internal/rubric"
)

//go:embed journals.yaml
var DefaultJournalsYAML []byte

// Validity classes.
const (
	ClassTimeSensitive = "time-sensitive"
	ClassEvergreen     = "evergreen"
)

// Category is one journal/topic slug with its slot rules.
type Category struct {
	Slug        string `yaml:"-"`
	Name        string `yaml:"name"`
	Class       string `yaml:"class"`
	RefreshDays int    `yaml:"refresh_days"`
	MaxSlots    int    `yaml:"max_slots"`
}

// Unlimited reports whether the category accepts papers without a slot limit.
func (c Category) Unlimited() bool {
	return c.RefreshDays <= 0 || c.MaxSlots <= 0
}

// Period is one refresh window for a category.
type Period struct {
	Key   string
	Start time.Time
	End   time.Time
}

// Period returns the refresh window containing now. Windows are aligned to
// multiples of RefreshDays since the Unix epoch, in UTC. Unlimited categories
// have a single open-ended period keyed "open".
func (c Category) Period(now time.Time) Period {
	if c.Unlimited() {
		return Period{Key: "open"}
	}
	day := now.UTC().Unix() / 86400
	startDay := day - day%int64(c.RefreshDays)
	start := time.Unix(startDay*86400, 0).UTC()
	return Period{
		Key:   start.Format("2006-01-02"),
		Start: start,
		End:   start.AddDate(0, 0, c.RefreshDays),
	}
}

// TypeRules holds the per-type rubric and length bounds.
type TypeRules struct {
	Label            string         `yaml:"label"`
	Description      string         `yaml:"description"`
	MinBodyWords     int            `yaml:"min_body_words"`
	MaxAbstractWords int            `yaml:"max_abstract_words"`
	Weights          rubric.Weights `yaml:"weights"`
}

// Taxonomy is an immutable snapshot of the journal configuration.
type Taxonomy struct {
	categories    map[string]Category
	types         map[string]TypeRules
	validityDays  map[string]int
	abstractSlack int
}

type document struct {
	AbstractSlackWords int                  `yaml:"abstract_slack_words"`
	ValidityDays       map[string]int       `yaml:"validity_days"`
	Categories         map[string]Category  `yaml:"categories"`
	Types              map[string]TypeRules `yaml:"types"`
}

// Load reads a taxonomy file, or the embedded default when path is empty.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Parse(DefaultJournalsYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates taxonomy YAML.
func Parse(data []byte) (*Taxonomy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing taxonomy: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("taxonomy has no categories")
	}

	t := &Taxonomy{
		categories:    make(map[string]Category, len(doc.Categories)),
		types:         make(map[string]TypeRules, len(doc.Types)),
		validityDays:  make(map[string]int, len(doc.ValidityDays)),
		abstractSlack: doc.AbstractSlackWords,
	}
	for class, days := range doc.ValidityDays {
		if days <= 0 {
			return nil, fmt.Errorf("validity_days for %s must be positive", class)
		}
		t.validityDays[class] = days
	}
	for slug, c := range doc.Categories {
		if !strings.Contains(slug, "/") {
			return nil, fmt.Errorf("category %q is not of the form journal/topic", slug)
		}
		if _, ok := t.validityDays[c.Class]; !ok {
			return nil, fmt.Errorf("category %s has unknown class %q", slug, c.Class)
		}
		c.Slug = slug
		t.categories[slug] = c
	}
	for name, rules := range doc.Types {
		if err := rules.Weights.Validate(); err != nil {
			return nil, fmt.Errorf("type %s: %w", name, err)
		}
		t.types[name] = rules
	}
	return t, nil
}

// Category looks up a category by slug.
func (t *Taxonomy) Category(slug string) (Category, bool) {
	c, ok := t.categories[slug]
	return c, ok
}

// CategorySlugs returns every category slug, sorted.
func (t *Taxonomy) CategorySlugs() []string {
	slugs := make([]string, 0, len(t.categories))
	for slug := range t.categories {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Rules returns the rubric and bounds for a submission type.
func (t *Taxonomy) Rules(submissionType string) (TypeRules, bool) {
	r, ok := t.types[submissionType]
	return r, ok
}

// ValidityDays returns the validity window length for a category class.
func (t *Taxonomy) ValidityDays(class string) int {
	return t.validityDays[class]
}

// AbstractSlack is the number of words tolerated above an abstract limit
// before a submission is rejected.
func (t *Taxonomy) AbstractSlack() int {
	return t.abstractSlack
}
