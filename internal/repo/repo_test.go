package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/TobiSchelling/peerreview/internal/submission"
)

type fakeFetcher struct {
	tree    []TreeEntry
	files   map[string]string
	treeErr error
	reads   []string
}

func (f *fakeFetcher) Tree(context.Context, Ref) ([]TreeEntry, error) {
	return f.tree, f.treeErr
}

func (f *fakeFetcher) File(_ context.Context, _ Ref, p string, maxBytes int) ([]byte, error) {
	f.reads = append(f.reads, p)
	content, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, p)
	}
	if len(content) > maxBytes {
		content = content[:maxBytes]
	}
	return []byte(content), nil
}

func withRepo(visibility submission.Visibility) *submission.Submission {
	return &submission.Submission{
		ID:         "s1",
		Repo:       &submission.RepoRef{URL: "https://github.com/acme/bench", Commit: "abc1234"},
		Visibility: visibility,
	}
}

func TestInspectNoRepoIsTextOnly(t *testing.T) {
	in := &Inspector{Fetcher: &fakeFetcher{}}
	s := in.Inspect(context.Background(), &submission.Submission{ID: "s1"})
	if s.Present || s.Badge != BadgeTextOnly {
		t.Errorf("summary = %+v", s)
	}
}

func TestInspectPrivateSkipsFetch(t *testing.T) {
	f := &fakeFetcher{}
	in := &Inspector{Fetcher: f}
	s := in.Inspect(context.Background(), withRepo(submission.VisibilityPrivate))
	if s.Badge != BadgeVerifiedPrivate || s.FailureReason == "" {
		t.Errorf("summary = %+v", s)
	}
	if len(f.reads) != 0 {
		t.Errorf("private repo was fetched: %v", f.reads)
	}
}

func TestInspectFetchFailureIsPrivate(t *testing.T) {
	in := &Inspector{Fetcher: &fakeFetcher{treeErr: ErrUnavailable}}
	s := in.Inspect(context.Background(), withRepo(submission.VisibilityPublic))
	if s.Badge != BadgeVerifiedPrivate {
		t.Errorf("badge = %s", s.Badge)
	}
	if !strings.Contains(s.FailureReason, "unavailable") {
		t.Errorf("failure reason = %q", s.FailureReason)
	}
	if len(s.Files) != 0 || s.README != "" {
		t.Error("failed summary must be empty")
	}
}

func TestInspectPrioritizesAndCaps(t *testing.T) {
	f := &fakeFetcher{
		tree: []TreeEntry{
			{Path: "src/util.go", Size: 10},
			{Path: "main.go", Size: 10},
			{Path: "go.mod", Size: 10},
			{Path: "README.md", Size: 10},
			{Path: "Makefile", Size: 10},
			{Path: "node_modules/x/index.js", Size: 10},
			{Path: ".env", Size: 10},
			{Path: "logo.png", Size: 10},
			{Path: "huge.txt", Size: 500_000},
		},
		files: map[string]string{
			"README.md":   "# Bench\nA harness.\n",
			"go.mod":      "module acme/bench\n",
			"Makefile":    "test:\n\tgo test ./...\n",
			"main.go":     "package main\n",
			"src/util.go": "package src\n",
		},
	}
	in := &Inspector{Fetcher: f, MaxFiles: 3}
	s := in.Inspect(context.Background(), withRepo(submission.VisibilityPublic))

	if s.Badge != BadgeVerifiedOpen {
		t.Fatalf("badge = %s (%s)", s.Badge, s.FailureReason)
	}
	var got []string
	for _, file := range s.Files {
		got = append(got, file.Path)
	}
	want := "README.md,go.mod,Makefile"
	if strings.Join(got, ",") != want {
		t.Errorf("files = %v, want %s", got, want)
	}
	if s.README != "# Bench\nA harness.\n" {
		t.Errorf("readme = %q", s.README)
	}
	for _, p := range s.Tree {
		if strings.HasPrefix(p, "node_modules") || p == ".env" || p == "logo.png" {
			t.Errorf("tree includes excluded path %s", p)
		}
	}
	if s.TreeTotal != 6 {
		t.Errorf("tree total = %d, want 6", s.TreeTotal)
	}
}

func TestInspectAggregateCap(t *testing.T) {
	long := strings.Repeat("line of text\n", 100)
	f := &fakeFetcher{
		tree:  []TreeEntry{{Path: "README.md", Size: len(long)}, {Path: "notes.txt", Size: len(long)}},
		files: map[string]string{"README.md": long, "notes.txt": long},
	}
	in := &Inspector{Fetcher: f, MaxTotalBytes: 200}
	s := in.Inspect(context.Background(), withRepo(submission.VisibilityPublic))

	if s.TotalBytes > 200 {
		t.Errorf("total bytes %d exceeds cap", s.TotalBytes)
	}
	if len(s.Files) != 1 || !s.Files[0].Truncated {
		t.Errorf("files = %+v", s.Files)
	}
	if strings.HasSuffix(s.Files[0].Content, "line of") {
		t.Error("truncation should fall on a line boundary")
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		in          string
		owner, name string
		ok          bool
	}{
		{"https://github.com/acme/bench", "acme", "bench", true},
		{"https://github.com/acme/bench.git", "acme", "bench", true},
		{"https://github.com/acme/bench/", "acme", "bench", true},
		{"https://gitlab.com/acme/bench", "", "", false},
	}
	for _, tt := range tests {
		ref, err := ParseURL(tt.in, "abc")
		if (err == nil) != tt.ok {
			t.Errorf("ParseURL(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && (ref.Owner != tt.owner || ref.Name != tt.name) {
			t.Errorf("ParseURL(%q) = %+v", tt.in, ref)
		}
	}
}

func TestGitHubFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing token")
		}
		switch r.URL.Path {
		case "/api/repos/acme/bench/git/trees/abc1234":
			if r.URL.Query().Get("recursive") != "1" {
				t.Errorf("tree must be recursive")
			}
			w.Write([]byte(`{"tree":[{"path":"README.md","type":"blob","size":7},{"path":"src","type":"tree"}]}`))
		case "/raw/acme/bench/abc1234/README.md":
			w.Write([]byte("# Bench"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv("TEST_GH_TOKEN", "tok")

	g := NewGitHubFetcher(srv.URL+"/api", srv.URL+"/raw", "TEST_GH_TOKEN", 0)
	ref := Ref{Owner: "acme", Name: "bench", Commit: "abc1234"}

	tree, err := g.Tree(context.Background(), ref)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(tree) != 1 || tree[0].Path != "README.md" {
		t.Errorf("tree = %+v", tree)
	}
	data, err := g.File(context.Background(), ref, "README.md", 100)
	if err != nil || string(data) != "# Bench" {
		t.Errorf("File = %q, %v", data, err)
	}
	_, err = g.File(context.Background(), ref, "missing.go", 100)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing file err = %v, want ErrUnavailable", err)
	}
}
