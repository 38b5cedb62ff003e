package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/peerreview/internal/critique"
	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/novelty"
)

const (
	relatedLimit    = 10
	relatedMinScore = 3
	categoryBonus   = 2
	abstractPreview = 200
)

type relatedView struct {
	ID        string  `json:"paper_id"`
	Title     string  `json:"title"`
	Category  string  `json:"category"`
	Score     float64 `json:"score"`
	Relevance int     `json:"relevance_score"`
	Abstract  string  `json:"abstract"`
}

// handleRelated ranks current papers by shared keywords with the target
// paper, the q parameter, or both. Papers in the target's category get a
// bonus. A short query needs every one of its keywords to match.
func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if id == "" && query == "" {
		respondError(w, http.StatusBadRequest, "provide a paper id or q")
		return
	}

	var target []string
	category := ""
	if id != "" {
		p, ok := s.paper(w, r)
		if !ok {
			return
		}
		target = novelty.Keywords(p.Title + " " + p.Abstract)
		category = p.Category
	}
	target = append(target, novelty.Keywords(query)...)
	need := max(1, min(relatedMinScore, len(target)))

	papers, err := s.db.ListPapers(database.PaperFilter{Status: database.PaperCurrent})
	if err != nil {
		s.internalError(w, "listing papers", err)
		return
	}
	out := []relatedView{}
	for _, p := range papers {
		if p.ID == id {
			continue
		}
		relevance := shared(target, novelty.Keywords(p.Title+" "+p.Abstract))
		if category != "" && p.Category == category {
			relevance += categoryBonus
		}
		if relevance < need {
			continue
		}
		out = append(out, relatedView{
			ID:        p.ID,
			Title:     p.Title,
			Category:  p.Category,
			Score:     p.Aggregate,
			Relevance: relevance,
			Abstract:  preview(p.Abstract),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	total := len(out)
	if len(out) > relatedLimit {
		out = out[:relatedLimit]
	}
	respondJSON(w, http.StatusOK, map[string]any{"total_related": total, "results": out})
}

type claimMatch struct {
	PaperID    string  `json:"paper_id"`
	PaperTitle string  `json:"paper_title"`
	PaperScore float64 `json:"paper_score"`
	Claim      string  `json:"claim_text"`
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// handleClaims looks up fact-checked claims in the reviews of current papers
// that share content words with q.
func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	words := novelty.Keywords(q.Get("q"))
	if len(words) == 0 {
		respondError(w, http.StatusBadRequest, "q must contain at least one content word")
		return
	}
	need := min(2, len(words))

	papers, err := s.db.ListPapers(database.PaperFilter{Status: database.PaperCurrent, Category: q.Get("category")})
	if err != nil {
		s.internalError(w, "listing papers", err)
		return
	}
	matches := []claimMatch{}
	for _, p := range papers {
		review, err := s.db.GetReview(p.ID)
		if err != nil {
			s.internalError(w, "loading review", err)
			return
		}
		if review == nil {
			continue
		}
		var record struct {
			Claims []critique.Claim `json:"claims"`
		}
		if err := json.Unmarshal(review.Record, &record); err != nil {
			slog.Warn("skipping unreadable review record", "paper", p.ID, "error", err)
			continue
		}
		for _, c := range record.Claims {
			if shared(words, novelty.Keywords(c.Text)) < need {
				continue
			}
			matches = append(matches, claimMatch{
				PaperID:    p.ID,
				PaperTitle: p.Title,
				PaperScore: p.Aggregate,
				Claim:      c.Text,
				Verified:   c.Verified,
				Confidence: c.Confidence,
				Source:     c.Source,
			})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"found":         len(matches) > 0,
		"total_matches": len(matches),
		"matches":       matches,
	})
}

type contributorView struct {
	ID             string    `json:"id"`
	Reputation     float64   `json:"reputation_score"`
	Tier           string    `json:"reputation_tier"`
	Submitted      int       `json:"total_submissions"`
	Accepted       int       `json:"accepted"`
	Rejected       int       `json:"rejected"`
	Flags          int       `json:"flags"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	AverageScore   float64   `json:"average_score"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Server) handleGetContributor(w http.ResponseWriter, r *http.Request) {
	c, err := s.db.GetContributor(r.PathValue("id"))
	if err != nil {
		s.internalError(w, "loading contributor", err)
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "contributor not found")
		return
	}
	view := contributorView{
		ID:           c.ID,
		Reputation:   c.Reputation,
		Tier:         c.Tier,
		Submitted:    c.Submitted,
		Accepted:     c.Accepted,
		Rejected:     c.Rejected,
		Flags:        c.Flags,
		AverageScore: c.AvgScore,
		UpdatedAt:    c.UpdatedAt,
	}
	if decided := c.Accepted + c.Rejected; decided > 0 {
		view.AcceptanceRate = float64(c.Accepted) / float64(decided)
	}
	respondJSON(w, http.StatusOK, view)
}

// shared counts the distinct words of a that also appear in b.
func shared(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, w := range b {
		set[w] = true
	}
	n := 0
	for _, w := range a {
		if set[w] {
			n++
			delete(set, w)
		}
	}
	return n
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= abstractPreview {
		return s
	}
	return string(r[:abstractPreview])
}
