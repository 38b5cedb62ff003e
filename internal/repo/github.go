package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// ErrUnavailable means the repository or commit could not be reached, which
// covers private repositories.
var ErrUnavailable = errors.New("repository unavailable")

// Ref identifies a repository at a pinned commit.
type Ref struct {
	Owner  string
	Name   string
	Commit string
}

var repoURLRe = regexp.MustCompile(`^https?://github\.com/([\w.-]+)/([\w.-]+?)(?:\.git)?/?$`)

// ParseURL splits a github.com repository URL into a Ref.
func ParseURL(rawURL, commit string) (Ref, error) {
	m := repoURLRe.FindStringSubmatch(strings.TrimSpace(rawURL))
	if m == nil {
		return Ref{}, fmt.Errorf("not a github repository URL: %q", rawURL)
	}
	return Ref{Owner: m[1], Name: m[2], Commit: commit}, nil
}

// TreeEntry is one file in a repository listing.
type TreeEntry struct {
	Path string
	Size int
}

// Fetcher reads a repository at a pinned commit.
type Fetcher interface {
	Tree(ctx context.Context, ref Ref) ([]TreeEntry, error)
	File(ctx context.Context, ref Ref, path string, maxBytes int) ([]byte, error)
}

// GitHubFetcher reads trees from the GitHub REST API and file contents from
// the raw content host.
type GitHubFetcher struct {
	APIURL string
	RawURL string
	Token  string
	client *http.Client
}

// NewGitHubFetcher creates a fetcher. The token is optional and read from
// tokenEnv.
func NewGitHubFetcher(apiURL, rawURL, tokenEnv string, timeout time.Duration) *GitHubFetcher {
	token := ""
	if tokenEnv != "" {
		token = os.Getenv(tokenEnv)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHubFetcher{
		APIURL: strings.TrimRight(apiURL, "/"),
		RawURL: strings.TrimRight(rawURL, "/"),
		Token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Tree lists the blobs of the commit's tree.
func (g *GitHubFetcher) Tree(ctx context.Context, ref Ref) ([]TreeEntry, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		g.APIURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Name), url.PathEscape(ref.Commit))
	resp, err := g.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int    `json:"size"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}

	var out []TreeEntry
	for _, e := range result.Tree {
		if e.Type == "blob" {
			out = append(out, TreeEntry{Path: e.Path, Size: e.Size})
		}
	}
	return out, nil
}

// File reads up to maxBytes of one file.
func (g *GitHubFetcher) File(ctx context.Context, ref Ref, path string, maxBytes int) ([]byte, error) {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	endpoint := fmt.Sprintf("%s/%s/%s/%s/%s", g.RawURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Name),
		url.PathEscape(ref.Commit), strings.Join(segments, "/"))
	resp, err := g.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
}

func (g *GitHubFetcher) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "peerreview/1.0 (repo inspector)")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: github returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("github returned %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}
