package novelty

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/submission"
)

const atomResponse = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>ArXiv Query</title>
  <id>http://arxiv.org/api/query</id>
  <updated>2026-01-01T00:00:00Z</updated>
  <entry>
    <id>http://arxiv.org/abs/2501.12345v1</id>
    <published>2025-01-20T00:00:00Z</published>
    <updated>2025-01-20T00:00:00Z</updated>
    <title>Evaluating tool-using
      agents</title>
    <summary>Benchmarking agents on retrieval tasks.</summary>
  </entry>
</feed>`

const s2Response = `{"data":[{"paperId":"abc123","title":"Unrelated <i>graph</i> theory","abstract":"<jats:p>Planar graphs and colorings.</jats:p>","year":2021,"url":"https://s2/abc123"}]}`

type fakeIndex struct {
	papers []database.Paper
	err    error
}

func (f *fakeIndex) ListPapers(database.PaperFilter) ([]database.Paper, error) {
	return f.papers, f.err
}

type failingSearcher struct{ name string }

func (f failingSearcher) Name() string { return f.name }
func (f failingSearcher) Search(context.Context, Query) ([]Record, error) {
	return nil, errors.New("unavailable")
}

func testSubmission() *submission.Submission {
	return &submission.Submission{
		ID:       "new",
		Title:    "Benchmarking tool-using agents on retrieval tasks",
		Category: "ai/agents",
		Abstract: "We benchmark tool-using agents across retrieval tasks with a reproducible harness.",
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("The Agents, the agents and THEIR tool-using harness with data")
	want := []string{"agents", "tool-using", "harness", "data"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keywords = %v, want %v", got, want)
	}
}

func TestOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"alpha", "beta", "gamma"}, []string{"alpha", "beta", "gamma"}, 1},
		{"subset", []string{"alpha", "beta", "gamma", "delta"}, []string{"alpha", "beta", "gamma"}, 1},
		{"partial", []string{"alpha", "beta", "gamma", "delta"}, []string{"alpha", "beta", "gamma", "omega", "sigma", "theta"}, 0.75},
		{"too few shared", []string{"alpha", "beta", "gamma"}, []string{"alpha", "beta", "omega"}, 0},
		{"empty", nil, []string{"alpha"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlap(tt.a, tt.b); got != tt.want {
				t.Errorf("Overlap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckFindsSupersessionCandidate(t *testing.T) {
	arxiv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Query().Get("search_query"), "all:") {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(atomResponse))
	}))
	defer arxiv.Close()

	s2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paper/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(s2Response))
	}))
	defer s2.Close()
	t.Setenv("TEST_S2_KEY", "secret")

	index := &fakeIndex{papers: []database.Paper{
		{ID: "old", Category: "ai/agents", Status: database.PaperCurrent,
			Title: "Tool-using agents for retrieval tasks", Abstract: "A reproducible harness."},
		{ID: "new", Category: "ai/agents", Status: database.PaperCurrent,
			Title: "Benchmarking tool-using agents on retrieval tasks", Abstract: "self"},
		{ID: "other", Category: "ai/tooling", Status: database.PaperCurrent,
			Title: "Tool-using agents retrieval tasks", Abstract: "reproducible harness"},
	}}

	c := &Checker{
		External: []Searcher{
			NewArxivSearcher(arxiv.URL, 5),
			NewSemanticScholarSearcher(s2.URL, "TEST_S2_KEY", 5),
		},
		Internal:              &IndexSearcher{Index: index},
		Timeout:               5 * time.Second,
		SupersessionThreshold: 0.5,
	}

	res, err := c.Check(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.LowConfidence {
		t.Errorf("unexpected low confidence: %v", res.SourceErrors)
	}
	if len(res.Candidates) != 4 {
		t.Fatalf("candidates = %d, want 4", len(res.Candidates))
	}
	for _, r := range res.Candidates {
		if r.ID == "new" {
			t.Error("submission must not match itself")
		}
		if r.Source == SourceArxiv && (r.ID != "2501.12345v1" || r.Title != "Evaluating tool-using agents") {
			t.Errorf("arxiv record = %+v", r)
		}
		if r.Source == SourceSemanticScholar && r.Abstract != "Planar graphs and colorings." {
			t.Errorf("markup not stripped: %q", r.Abstract)
		}
	}
	if res.SupersessionCandidate == nil || res.SupersessionCandidate.ID != "old" {
		t.Fatalf("supersession candidate = %+v, want old", res.SupersessionCandidate)
	}
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}
	// Ties on overlap are broken by source then id.
	if res.Candidates[0].ID != "old" || res.Candidates[1].ID != "other" {
		t.Errorf("ranking = %s, %s", res.Candidates[0].ID, res.Candidates[1].ID)
	}
}

func TestCheckDegradesWhenExternalFails(t *testing.T) {
	c := &Checker{
		External: []Searcher{failingSearcher{SourceArxiv}, failingSearcher{SourceSemanticScholar}},
		Internal: &IndexSearcher{Index: &fakeIndex{}},
	}
	res, err := c.Check(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.LowConfidence || len(res.SourceErrors) != 2 {
		t.Errorf("expected low confidence with 2 errors, got %+v", res)
	}
	if res.Score != 1 {
		t.Errorf("score = %v, want 1", res.Score)
	}
	if res.SupersessionCandidate != nil {
		t.Error("unexpected supersession candidate")
	}
}

func TestCheckIgnoresSupersededAndOtherCategories(t *testing.T) {
	old := "old"
	index := &fakeIndex{papers: []database.Paper{
		{ID: "gone", Category: "ai/agents", Status: database.PaperSuperseded, SupersededBy: &old,
			Title: "Tool-using agents for retrieval tasks", Abstract: "A reproducible harness."},
	}}
	c := &Checker{Internal: &IndexSearcher{Index: index}}
	res, err := c.Check(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.SupersessionCandidate != nil {
		t.Errorf("superseded paper must not be a candidate")
	}
	if len(res.Candidates) != 1 {
		t.Errorf("superseded paper still counts toward novelty, got %d candidates", len(res.Candidates))
	}
}

func TestCheckFailsOnIndexError(t *testing.T) {
	c := &Checker{Internal: &IndexSearcher{Index: &fakeIndex{err: errors.New("locked")}}}
	if _, err := c.Check(context.Background(), testSubmission()); err == nil {
		t.Fatal("expected index error")
	}
}

func TestArxivNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewArxivSearcher(srv.URL, 5).Search(context.Background(), Query{Text: "agents"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}
