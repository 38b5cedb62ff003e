package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/rubric"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insert(t *testing.T, db *database.DB, id, category string) {
	t.Helper()
	err := db.InsertSubmission(database.NewSubmission{
		ID:            id,
		ContributorID: "alice",
		Title:         "Title " + id,
		Category:      category,
		Type:          "research",
		Payload:       []byte(`{"id":"` + id + `"}`),
		Now:           t0,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func accept(t *testing.T, db *database.DB, id, category string, supersedes *string, at time.Time) {
	t.Helper()
	acceptPaper(t, db, database.Paper{
		ID:         id,
		Category:   category,
		Title:      "Title " + id,
		Abstract:   "An abstract.",
		Body:       "## Results\n\nIt **works**.",
		Aggregate:  7.5,
		Supersedes: supersedes,
	}, `{"id":"`+id+`"}`, at)
}

// acceptPaper commits p as an accepted paper with the given review record.
func acceptPaper(t *testing.T, db *database.DB, p database.Paper, record string, at time.Time) {
	t.Helper()
	insert(t, db, p.ID, p.Category)
	p.Type = "research"
	p.ContributorID = "alice"
	p.Scores = rubric.Scores{Methodology: 0.8, FactualAccuracy: 0.7, Novelty: 0.7, CodeQuality: 0.8, Writing: 0.7, Reproducibility: 0.8}
	p.Badge = "text-only"
	p.ValidUntil = at.AddDate(0, 0, 180)
	_, err := db.CommitDecision(database.Commit{
		SubmissionID:  p.ID,
		ContributorID: "alice",
		Token:         "tok-" + p.ID,
		Accept:        true,
		Aggregate:     p.Aggregate,
		Now:           at,
		Paper:         &p,
		RenderReview:  func(*string) ([]byte, error) { return []byte(record), nil },
	})
	if err != nil {
		t.Fatalf("commit %s: %v", p.ID, err)
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func newServer(t *testing.T, db *database.DB) *Server {
	t.Helper()
	srv, err := New(db)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func TestListPapers(t *testing.T) {
	db := openTestDB(t)
	accept(t, db, "p1", "ai/tooling", nil, t0)
	accept(t, db, "p2", "ai/tooling", ptr("p1"), t0.Add(time.Hour))
	accept(t, db, "p3", "systems/databases", nil, t0.Add(2*time.Hour))
	srv := newServer(t, db)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"p3", "p2", "p1"}},
		{"?category=ai/tooling", []string{"p2", "p1"}},
		{"?status=current", []string{"p3", "p2"}},
		{"?category=ai/tooling&status=superseded", []string{"p1"}},
	}
	for _, tt := range tests {
		rec := get(t, srv, "/api/papers"+tt.query)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.query, rec.Code)
		}
		var got []paperView
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("%s: decode: %v", tt.query, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d papers, want %d", tt.query, len(got), len(tt.want))
		}
		for i, id := range tt.want {
			if got[i].ID != id {
				t.Errorf("%s: [%d] = %s, want %s", tt.query, i, got[i].ID, id)
			}
		}
	}

	if rec := get(t, srv, "/api/papers?status=draft"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", rec.Code)
	}
}

func TestGetPaper(t *testing.T) {
	db := openTestDB(t)
	accept(t, db, "p1", "ai/tooling", nil, t0)
	accept(t, db, "p2", "ai/tooling", ptr("p1"), t0.Add(time.Hour))
	srv := newServer(t, db)

	rec := get(t, srv, "/api/papers/p1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var p paperView
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != database.PaperSuperseded || p.SupersededBy == nil || *p.SupersededBy != "p2" {
		t.Errorf("paper = %+v", p)
	}
	if p.Scores.Methodology != 0.8 {
		t.Errorf("scores = %+v", p.Scores)
	}

	if rec := get(t, srv, "/api/papers/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("missing paper: expected 404, got %d", rec.Code)
	}
}

func TestGetReview(t *testing.T) {
	db := openTestDB(t)
	accept(t, db, "p1", "ai/tooling", nil, t0)
	srv := newServer(t, db)

	rec := get(t, srv, "/api/papers/p1/review")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"id":"p1"}` {
		t.Errorf("review = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, srv, "/api/papers/nope/review"); rec.Code != http.StatusNotFound {
		t.Errorf("missing review: expected 404, got %d", rec.Code)
	}
}

func TestPaperPage(t *testing.T) {
	db := openTestDB(t)
	accept(t, db, "p1", "ai/tooling", nil, t0)
	accept(t, db, "p2", "ai/tooling", ptr("p1"), t0.Add(time.Hour))
	srv := newServer(t, db)

	rec := get(t, srv, "/papers/p2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %s", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"<h1>Title p2</h1>", "<strong>works</strong>", "text-only", `href="/papers/p1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in page", want)
		}
	}

	old := get(t, srv, "/papers/p1").Body.String()
	if !strings.Contains(old, "Superseded by") {
		t.Error("expected supersession notice on old paper")
	}
}

func TestGetSubmission(t *testing.T) {
	db := openTestDB(t)
	insert(t, db, "s1", "ai/agents")
	err := db.InsertSubmission(database.NewSubmission{
		ID:            "s2",
		ContributorID: "bob",
		Title:         "Broken",
		Category:      "ai/agents",
		Type:          "research",
		Payload:       []byte(`{}`),
		ReasonCode:    "body_too_short",
		LastError:     "body has 12 words",
		Now:           t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	insert(t, db, "s3", "ai/agents")
	_, err = db.CommitDecision(database.Commit{
		SubmissionID:  "s3",
		ContributorID: "alice",
		Token:         "tok-s3",
		Aggregate:     4.2,
		Now:           t0,
		Feedback:      []byte(`{"gap":1.8}`),
		RenderReview:  func(*string) ([]byte, error) { return []byte(`{}`), nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, db)

	decode := func(path string) submissionView {
		t.Helper()
		rec := get(t, srv, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var v submissionView
		if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
			t.Fatal(err)
		}
		return v
	}

	if v := decode("/api/submissions/s1"); v.State != database.StatePending || v.Committed {
		t.Errorf("s1 = %+v", v)
	}
	if v := decode("/api/submissions/s2"); v.State != database.StateInvalid || v.ReasonCode == nil || *v.ReasonCode != "body_too_short" {
		t.Errorf("s2 = %+v", v)
	}
	v := decode("/api/submissions/s3")
	if v.State != database.StateRejected || !v.Committed {
		t.Errorf("s3 = %+v", v)
	}
	if fb, ok := v.Feedback.(map[string]any); !ok || fb["gap"] != 1.8 {
		t.Errorf("s3 feedback = %#v", v.Feedback)
	}

	if rec := get(t, srv, "/api/submissions/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHealthAndMethods(t *testing.T) {
	srv := newServer(t, openTestDB(t))
	if rec := get(t, srv, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/papers", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", rec.Code)
	}
}

func ptr(s string) *string { return &s }

func seedLibrary(t *testing.T, db *database.DB) {
	t.Helper()
	acceptPaper(t, db, database.Paper{
		ID:        "p1",
		Category:  "ai/tooling",
		Title:     "Compaction stalls in LSM storage engines",
		Abstract:  "We measure compaction stalls in storage engines under write load.",
		Aggregate: 8.2,
	}, `{"claims":[{"text":"RocksDB compaction stalls reduce write throughput by forty percent","verified":true,"source":"bench suite","confidence":0.9}]}`, t0)
	acceptPaper(t, db, database.Paper{
		ID:        "p2",
		Category:  "ai/tooling",
		Title:     "Planning loops for coding agents",
		Abstract:  "Agents plan before they edit.",
		Aggregate: 7.6,
	}, `{"claims":[]}`, t0.Add(time.Hour))
	acceptPaper(t, db, database.Paper{
		ID:        "p3",
		Category:  "systems/databases",
		Title:     "Write amplification in storage engines",
		Abstract:  "Compaction drives write amplification in storage engines.",
		Aggregate: 7.1,
	}, `{}`, t0.Add(2*time.Hour))
}

func decodeList(t *testing.T, srv *Server, path string) []string {
	t.Helper()
	rec := get(t, srv, path)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: expected 200, got %d", path, rec.Code)
	}
	var got []paperView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	return ids
}

func TestSearchPapers(t *testing.T) {
	db := openTestDB(t)
	seedLibrary(t, db)
	srv := newServer(t, db)

	tests := []struct {
		query string
		want  string
	}{
		{"?q=storage", "p3,p1"},
		{"?q=STORAGE&sort=score", "p1,p3"},
		{"?q=agents", "p2"},
		{"?min_score=8", "p1"},
		{"?sort=score&limit=2", "p1,p2"},
		{"?badge=verified-open", ""},
		{"?q=storage&category=systems/databases", "p3"},
	}
	for _, tt := range tests {
		if got := strings.Join(decodeList(t, srv, "/api/papers"+tt.query), ","); got != tt.want {
			t.Errorf("%s: got [%s], want [%s]", tt.query, got, tt.want)
		}
	}

	for _, bad := range []string{"?limit=0", "?limit=51", "?min_score=high", "?sort=random"} {
		if rec := get(t, srv, "/api/papers"+bad); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestRelatedPapers(t *testing.T) {
	db := openTestDB(t)
	seedLibrary(t, db)
	srv := newServer(t, db)

	decode := func(path string) []relatedView {
		t.Helper()
		rec := get(t, srv, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var body struct {
			Total   int           `json:"total_related"`
			Results []relatedView `json:"results"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Total != len(body.Results) {
			t.Errorf("%s: total %d for %d results", path, body.Total, len(body.Results))
		}
		return body.Results
	}

	got := decode("/api/papers/p1/related")
	if len(got) != 1 || got[0].ID != "p3" || got[0].Relevance != 4 {
		t.Errorf("related to p1 = %+v, want p3 with relevance 4", got)
	}
	got = decode("/api/related?q=planning+agents")
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("related to query = %+v, want p2", got)
	}
	if got := decode("/api/related?q=quantum+teleportation"); len(got) != 0 {
		t.Errorf("unrelated query matched %+v", got)
	}

	if rec := get(t, srv, "/api/papers/nope/related"); rec.Code != http.StatusNotFound {
		t.Errorf("missing paper: expected 404, got %d", rec.Code)
	}
	if rec := get(t, srv, "/api/related"); rec.Code != http.StatusBadRequest {
		t.Errorf("no target: expected 400, got %d", rec.Code)
	}
}

func TestVerifyClaims(t *testing.T) {
	db := openTestDB(t)
	seedLibrary(t, db)
	srv := newServer(t, db)

	type claimsBody struct {
		Found   bool         `json:"found"`
		Total   int          `json:"total_matches"`
		Matches []claimMatch `json:"matches"`
	}
	decode := func(path string) claimsBody {
		t.Helper()
		rec := get(t, srv, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var body claimsBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		return body
	}

	body := decode("/api/claims?q=Compaction+stalls+cut+write+throughput")
	if !body.Found || body.Total != 1 {
		t.Fatalf("claims = %+v", body)
	}
	m := body.Matches[0]
	if m.PaperID != "p1" || !m.Verified || m.Source != "bench suite" || m.PaperScore != 8.2 {
		t.Errorf("match = %+v", m)
	}

	if body := decode("/api/claims?q=compaction+stalls&category=systems/databases"); body.Found {
		t.Errorf("category filter ignored: %+v", body)
	}
	if body := decode("/api/claims?q=quantum+teleportation"); body.Found || body.Matches == nil {
		t.Errorf("unexpected claims = %+v", body)
	}
	if rec := get(t, srv, "/api/claims?q=the+of"); rec.Code != http.StatusBadRequest {
		t.Errorf("stopword query: expected 400, got %d", rec.Code)
	}
}

func TestGetContributor(t *testing.T) {
	db := openTestDB(t)
	seedLibrary(t, db)
	srv := newServer(t, db)

	rec := get(t, srv, "/api/contributors/alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var c contributorView
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	if c.ID != "alice" || c.Accepted != 3 || c.AcceptanceRate != 1 || c.Tier == "" {
		t.Errorf("contributor = %+v", c)
	}

	if rec := get(t, srv, "/api/contributors/nobody"); rec.Code != http.StatusNotFound {
		t.Errorf("missing contributor: expected 404, got %d", rec.Code)
	}
}
