package novelty

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const maxAbstractChars = 500

// ArxivSearcher queries the arXiv export API, which answers in Atom.
type ArxivSearcher struct {
	BaseURL    string
	MaxResults int
	client     *http.Client
}

// NewArxivSearcher creates an arXiv searcher against baseURL.
func NewArxivSearcher(baseURL string, maxResults int) *ArxivSearcher {
	return &ArxivSearcher{
		BaseURL:    baseURL,
		MaxResults: maxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *ArxivSearcher) Name() string { return SourceArxiv }

// Search runs a full-text query and returns entries in relevance order.
func (a *ArxivSearcher) Search(ctx context.Context, q Query) ([]Record, error) {
	if q.Text == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("search_query", "all:"+q.Text)
	params.Set("max_results", strconv.Itoa(a.MaxResults))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")

	req, err := http.NewRequestWithContext(ctx, "GET", a.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("arxiv API returned %d: %s", resp.StatusCode, string(body))
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing arxiv feed: %w", err)
	}

	var out []Record
	for _, item := range feed.Items {
		id := item.GUID
		if i := strings.Index(id, "/abs/"); i >= 0 {
			id = id[i+len("/abs/"):]
		}
		if id == "" {
			continue
		}
		r := Record{
			Source:   SourceArxiv,
			ID:       id,
			Title:    collapse(item.Title),
			Abstract: truncate(collapse(item.Description), maxAbstractChars),
			URL:      "https://arxiv.org/abs/" + id,
		}
		if item.PublishedParsed != nil {
			r.Year = item.PublishedParsed.Year()
		}
		out = append(out, r)
	}
	return out, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
