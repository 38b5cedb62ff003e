// Package publish writes accepted papers and reject feedback to the artifact
// store. A publish bundle becomes visible as a unit: the catalog index is
// always written last, so readers that follow the index never see a partial
// paper.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/peerreview/internal/decision"
	"github.com/TobiSchelling/peerreview/internal/submission"
)

// Store is an artifact store backend.
type Store interface {
	// Publish writes an accepted paper with its review and index entries.
	Publish(ctx context.Context, b Bundle) error
	// WriteFeedback stores the feedback record for a rejected submission.
	WriteFeedback(ctx context.Context, submissionID string, feedback []byte) error
}

// Article is the publishable content of an accepted paper.
type Article struct {
	Title       string
	Abstract    string
	Body        string
	PublishedAt time.Time
}

// Bundle is one logically atomic publish operation.
type Bundle struct {
	Record  decision.Record
	Article Article
	// Review is the stored review JSON.
	Review []byte
	// Amended holds index entries of papers this one changed, such as a
	// superseded predecessor.
	Amended []decision.Record
	// Catalog is the complete index after this publish.
	Catalog []decision.Record
}

type object struct {
	key         string
	contentType string
	data        []byte
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts article markdown to HTML.
func RenderHTML(markdown string) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.Bytes(), nil
}

type frontMatter struct {
	ID            string  `yaml:"id"`
	Title         string  `yaml:"title"`
	Category      string  `yaml:"category"`
	Type          string  `yaml:"type"`
	Aggregate     float64 `yaml:"aggregate"`
	Badge         string  `yaml:"badge"`
	PublishedAt   string  `yaml:"published_at"`
	ValidUntil    string  `yaml:"valid_until,omitempty"`
	Supersedes    string  `yaml:"supersedes,omitempty"`
	ContributorID string  `yaml:"contributor_id"`
}

// ArticleMarkdown renders the article with its YAML frontmatter.
func ArticleMarkdown(r decision.Record, a Article) ([]byte, error) {
	fm := frontMatter{
		ID:            r.ID,
		Title:         a.Title,
		Category:      r.Category,
		Type:          r.Type,
		Aggregate:     r.Aggregate,
		Badge:         r.Badge,
		PublishedAt:   a.PublishedAt.UTC().Format(time.RFC3339),
		ContributorID: r.ContributorID,
	}
	if r.ValidUntil != nil {
		fm.ValidUntil = r.ValidUntil.UTC().Format(time.RFC3339)
	}
	if r.Supersedes != nil {
		fm.Supersedes = *r.Supersedes
	}
	data, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", a.Title)
	if a.Abstract != "" {
		fmt.Fprintf(&buf, "> %s\n\n", a.Abstract)
	}
	buf.WriteString(a.Body)
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// objects lays out a bundle in write order. The catalog is last.
func objects(b Bundle) ([]object, error) {
	id := b.Record.ID
	if id == "" {
		return nil, fmt.Errorf("bundle has no paper id")
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	markdown, err := ArticleMarkdown(b.Record, b.Article)
	if err != nil {
		return nil, err
	}
	html, err := RenderHTML(b.Article.Body)
	if err != nil {
		return nil, err
	}

	out := []object{
		{"papers/" + id + "/article.md", "text/markdown; charset=utf-8", markdown},
		{"papers/" + id + "/article.html", "text/html; charset=utf-8", html},
		{"reviews/" + id + ".json", "application/json", b.Review},
	}
	for _, r := range append([]decision.Record{b.Record}, b.Amended...) {
		if err := checkID(r.ID); err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding index entry %s: %w", r.ID, err)
		}
		out = append(out, object{"index/" + r.ID + ".json", "application/json", data})
	}

	catalog := b.Catalog
	if catalog == nil {
		catalog = []decision.Record{}
	}
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding catalog: %w", err)
	}
	return append(out, object{"index.json", "application/json", data}), nil
}

// checkID rejects ids that would escape the store layout.
func checkID(id string) error {
	if !submission.ValidID(id) {
		return fmt.Errorf("refusing to publish under unsafe id %q", id)
	}
	return nil
}

func feedbackKey(submissionID string) string {
	return "feedback/" + submissionID + ".json"
}
