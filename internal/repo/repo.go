// Package repo extracts a bounded summary of a submission's linked repository.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	pdf "github.com/ledongthuc/pdf"

	"github.com/TobiSchelling/peerreview/internal/submission"
)

// Badge candidates.
const (
	BadgeVerifiedOpen    = "verified-open"
	BadgeVerifiedPrivate = "verified-private"
	BadgeTextOnly        = "text-only"
)

const (
	maxTreeLines   = 200
	minExcerpt     = 64
	pdfSizeFactor  = 20
	otherPriority  = 99
	defaultFiles   = 12
	defaultTotal   = 50_000
	defaultPerFile = 100_000
)

var excludedDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true, "venv": true, "env": true,
	"dist": true, "build": true, ".next": true, ".nuxt": true, ".cache": true, ".tox": true,
	"target": true, "vendor": true, ".gradle": true, ".idea": true, ".vscode": true,
}

var excludedExts = map[string]bool{
	".pyc": true, ".pyo": true, ".class": true, ".o": true, ".so": true, ".dylib": true, ".dll": true,
	".exe": true, ".bin": true, ".dat": true, ".db": true, ".sqlite": true, ".lock": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".zip": true, ".gz": true, ".tar": true,
}

var allowedHidden = map[string]bool{".env.example": true, ".gitignore": true, ".dockerignore": true}

var textExts = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true, ".go": true, ".rs": true, ".rb": true,
	".java": true, ".swift": true, ".kt": true, ".c": true, ".cpp": true, ".h": true, ".hpp": true, ".cs": true,
	".sh": true, ".bash": true, ".yml": true, ".yaml": true, ".json": true, ".toml": true, ".ini": true,
	".cfg": true, ".conf": true, ".md": true, ".txt": true, ".rst": true, ".html": true, ".css": true,
	".scss": true, ".sql": true, ".r": true, ".jl": true, ".lua": true, ".php": true, ".pl": true,
	".ex": true, ".exs": true, ".dockerfile": true, ".tf": true, ".hcl": true, ".ipynb": true, ".pdf": true,
}

var priorityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^README(\.\w+)?$`),
	regexp.MustCompile(`^(requirements\.txt|Pipfile|pyproject\.toml|package\.json|Cargo\.toml|go\.mod|Gemfile|pom\.xml)$`),
	regexp.MustCompile(`^(\.env\.example|config\.\w+|setup\.\w+|Dockerfile|docker-compose\.\w+|Makefile)$`),
	regexp.MustCompile(`^(main\.\w+|app\.py|index\.\w+|server\.\w+|cli\.py|__main__\.py)$`),
}

// File is a bounded excerpt of one repository file.
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Summary is what the prompt sees of a repository.
type Summary struct {
	Present       bool     `json:"present"`
	Badge         string   `json:"badge"`
	URL           string   `json:"url,omitempty"`
	Commit        string   `json:"commit,omitempty"`
	Tree          []string `json:"tree,omitempty"`
	TreeTotal     int      `json:"tree_total,omitempty"`
	README        string   `json:"readme,omitempty"`
	Files         []File   `json:"files,omitempty"`
	TotalBytes    int      `json:"total_bytes,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

// Inspector builds repository summaries.
type Inspector struct {
	Fetcher       Fetcher
	MaxFiles      int
	MaxTotalBytes int
	MaxFileBytes  int
	Timeout       time.Duration
}

// Inspect never fails. Fetch problems yield a verified-private summary with
// the failure reason recorded.
func (in *Inspector) Inspect(ctx context.Context, sub *submission.Submission) *Summary {
	if !sub.HasRepo() {
		return &Summary{Badge: BadgeTextOnly}
	}
	s := &Summary{Present: true, URL: sub.Repo.URL, Commit: sub.Repo.Commit}
	if sub.Visibility == submission.VisibilityPrivate {
		s.Badge = BadgeVerifiedPrivate
		s.FailureReason = "repository declared private"
		return s
	}

	ref, err := ParseURL(sub.Repo.URL, sub.Repo.Commit)
	if err != nil {
		return in.failed(s, sub.ID, err)
	}
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}

	entries, err := in.Fetcher.Tree(ctx, ref)
	if err != nil {
		return in.failed(s, sub.ID, fmt.Errorf("listing tree: %w", err))
	}
	entries = visible(entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	s.TreeTotal = len(entries)
	for i, e := range entries {
		if i == maxTreeLines {
			break
		}
		s.Tree = append(s.Tree, e.Path)
	}

	in.readKeyFiles(ctx, ref, entries, s)
	if len(s.Files) == 0 {
		return in.failed(s, sub.ID, fmt.Errorf("no readable files at %s", ref.Commit))
	}
	s.Badge = BadgeVerifiedOpen
	slog.Info("repository inspected", "submission", sub.ID, "files", len(s.Files), "bytes", s.TotalBytes)
	return s
}

func (in *Inspector) failed(s *Summary, id string, err error) *Summary {
	slog.Warn("repository unavailable", "submission", id, "error", err)
	s.Badge = BadgeVerifiedPrivate
	s.FailureReason = err.Error()
	s.Tree = nil
	s.Files = nil
	s.README = ""
	s.TotalBytes = 0
	return s
}

func (in *Inspector) readKeyFiles(ctx context.Context, ref Ref, entries []TreeEntry, s *Summary) {
	maxFiles := orDefault(in.MaxFiles, defaultFiles)
	maxTotal := orDefault(in.MaxTotalBytes, defaultTotal)
	perFile := orDefault(in.MaxFileBytes, defaultPerFile)

	type candidate struct {
		entry    TreeEntry
		priority int
	}
	var cands []candidate
	for _, e := range entries {
		ext := strings.ToLower(path.Ext(e.Path))
		if ext != "" && !textExts[ext] {
			continue
		}
		limit := perFile
		if ext == ".pdf" {
			limit = perFile * pdfSizeFactor
		}
		if e.Size > limit {
			continue
		}
		cands = append(cands, candidate{entry: e, priority: filePriority(path.Base(e.Path))})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].entry.Path < cands[j].entry.Path
	})

	for _, c := range cands {
		if len(s.Files) >= maxFiles || s.TotalBytes >= maxTotal {
			break
		}
		if len(s.Files) > 0 && maxTotal-s.TotalBytes < minExcerpt {
			break
		}
		text, err := in.readFile(ctx, ref, c.entry, perFile)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("skipping repository file", "path", c.entry.Path, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		content, truncated := clip(text, maxTotal-s.TotalBytes)
		s.TotalBytes += len(content)
		s.Files = append(s.Files, File{Path: c.entry.Path, Content: content, Size: c.entry.Size, Truncated: truncated})
		if c.priority == 0 && s.README == "" {
			s.README = content
		}
	}
}

func (in *Inspector) readFile(ctx context.Context, ref Ref, e TreeEntry, perFile int) (string, error) {
	ext := strings.ToLower(path.Ext(e.Path))
	limit := perFile
	if ext == ".pdf" {
		limit = perFile * pdfSizeFactor
	}
	data, err := in.Fetcher.File(ctx, ref, e.Path, limit)
	if err != nil {
		return "", err
	}
	switch ext {
	case ".pdf":
		return pdfText(data)
	case ".html":
		return htmlText(data, ref, e.Path)
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}
	return string(data), nil
}

func pdfText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var b strings.Builder
	for page := 1; page <= doc.NumPage(); page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func htmlText(data []byte, ref Ref, p string) (string, error) {
	base, _ := url.Parse(fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", ref.Owner, ref.Name, ref.Commit, p))
	article, err := readability.FromReader(bytes.NewReader(data), base)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", p, err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// clip cuts content to at most n bytes, at a line boundary where possible.
func clip(content string, n int) (string, bool) {
	if len(content) <= n {
		return content, false
	}
	cut := content[:n]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut, true
}

func visible(entries []TreeEntry) []TreeEntry {
	var out []TreeEntry
	for _, e := range entries {
		parts := strings.Split(e.Path, "/")
		skip := false
		for _, dir := range parts[:len(parts)-1] {
			if excludedDirs[dir] {
				skip = true
				break
			}
		}
		name := parts[len(parts)-1]
		if skip || excludedExts[strings.ToLower(path.Ext(name))] {
			continue
		}
		if strings.HasPrefix(name, ".") && !allowedHidden[name] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func filePriority(name string) int {
	for i, re := range priorityPatterns {
		if re.MatchString(name) {
			return i
		}
	}
	return otherPriority
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
