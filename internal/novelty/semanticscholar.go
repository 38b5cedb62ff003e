package novelty

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SemanticScholarSearcher queries the Semantic Scholar graph API.
type SemanticScholarSearcher struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	client     *http.Client
}

// NewSemanticScholarSearcher creates a searcher. The API key is optional and
// read from apiKeyEnv.
func NewSemanticScholarSearcher(baseURL, apiKeyEnv string, maxResults int) *SemanticScholarSearcher {
	key := ""
	if apiKeyEnv != "" {
		key = os.Getenv(apiKeyEnv)
	}
	return &SemanticScholarSearcher{
		BaseURL:    baseURL,
		APIKey:     key,
		MaxResults: maxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SemanticScholarSearcher) Name() string { return SourceSemanticScholar }

// Search runs a paper search.
func (s *SemanticScholarSearcher) Search(ctx context.Context, q Query) ([]Record, error) {
	if q.Text == "" {
		return nil, nil
	}
	params := url.Values{}
	params.Set("query", q.Text)
	params.Set("limit", strconv.Itoa(s.MaxResults))
	params.Set("fields", "title,abstract,year,url")

	req, err := http.NewRequestWithContext(ctx, "GET", s.BaseURL+"/paper/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if s.APIKey != "" {
		req.Header.Set("x-api-key", s.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic scholar API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("semantic scholar API returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			PaperID  string `json:"paperId"`
			Title    string `json:"title"`
			Abstract string `json:"abstract"`
			Year     int    `json:"year"`
			URL      string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	out := make([]Record, 0, len(result.Data))
	for _, p := range result.Data {
		if p.PaperID == "" {
			continue
		}
		out = append(out, Record{
			Source:   SourceSemanticScholar,
			ID:       p.PaperID,
			Title:    cleanMarkup(p.Title),
			Abstract: truncate(cleanMarkup(p.Abstract), maxAbstractChars),
			URL:      p.URL,
			Year:     p.Year,
		})
	}
	return out, nil
}

// cleanMarkup strips the JATS and HTML tags some abstracts carry.
func cleanMarkup(s string) string {
	if !strings.Contains(s, "<") {
		return collapse(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	return collapse(doc.Text())
}
