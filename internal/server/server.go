package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/publish"
	"github.com/TobiSchelling/peerreview/internal/rubric"
)

// maxLimit caps the page size of list endpoints.
const maxLimit = 50

//go:embed templates/*.html
var templateFS embed.FS

// Server is the read-only HTTP server over published papers and submission
// status.
type Server struct {
	db   *database.DB
	page *template.Template
	mux  *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB) (*Server, error) {
	page, err := template.ParseFS(templateFS, "templates/paper.html")
	if err != nil {
		return nil, fmt.Errorf("parsing paper template: %w", err)
	}
	s := &Server{db: db, page: page, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/papers", s.handleListPapers)
	s.mux.HandleFunc("GET /api/papers/{id}", s.handleGetPaper)
	s.mux.HandleFunc("GET /api/papers/{id}/review", s.handleGetReview)
	s.mux.HandleFunc("GET /api/papers/{id}/related", s.handleRelated)
	s.mux.HandleFunc("GET /api/related", s.handleRelated)
	s.mux.HandleFunc("GET /api/claims", s.handleClaims)
	s.mux.HandleFunc("GET /api/contributors/{id}", s.handleGetContributor)
	s.mux.HandleFunc("GET /papers/{id}", s.handlePaperPage)
	s.mux.HandleFunc("GET /api/submissions/{id}", s.handleGetSubmission)
}

type paperView struct {
	ID            string        `json:"id"`
	Category      string        `json:"category"`
	Type          string        `json:"type"`
	Title         string        `json:"title"`
	Abstract      string        `json:"abstract"`
	ContributorID string        `json:"contributor_id"`
	Scores        rubric.Scores `json:"scores"`
	Aggregate     float64       `json:"aggregate"`
	Badge         string        `json:"badge"`
	Status        string        `json:"status"`
	PublishedAt   time.Time     `json:"published_at"`
	ValidUntil    time.Time     `json:"valid_until"`
	Supersedes    *string       `json:"supersedes"`
	SupersededBy  *string       `json:"superseded_by"`
}

func viewOf(p database.Paper) paperView {
	return paperView{
		ID:            p.ID,
		Category:      p.Category,
		Type:          p.Type,
		Title:         p.Title,
		Abstract:      p.Abstract,
		ContributorID: p.ContributorID,
		Scores:        p.Scores,
		Aggregate:     p.Aggregate,
		Badge:         p.Badge,
		Status:        p.Status,
		PublishedAt:   p.PublishedAt,
		ValidUntil:    p.ValidUntil,
		Supersedes:    p.Supersedes,
		SupersededBy:  p.SupersededBy,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPapers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && status != database.PaperCurrent && status != database.PaperSuperseded {
		respondError(w, http.StatusBadRequest, "status must be current or superseded")
		return
	}
	f := database.PaperFilter{
		Category: q.Get("category"),
		Status:   status,
		Badge:    q.Get("badge"),
		Query:    strings.TrimSpace(q.Get("q")),
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil || score < 0 || score > 10 {
			respondError(w, http.StatusBadRequest, "min_score must be a number between 0 and 10")
			return
		}
		f.MinScore = score
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n < 1 || n > maxLimit {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
			return
		}
		f.Limit = n
	}
	switch q.Get("sort") {
	case "", "recent":
	case "score":
		f.ByScore = true
	default:
		respondError(w, http.StatusBadRequest, "sort must be recent or score")
		return
	}

	papers, err := s.db.ListPapers(f)
	if err != nil {
		s.internalError(w, "listing papers", err)
		return
	}
	out := make([]paperView, 0, len(papers))
	for _, p := range papers {
		out = append(out, viewOf(p))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	p, ok := s.paper(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, viewOf(*p))
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	review, err := s.db.GetReview(id)
	if err != nil {
		s.internalError(w, "loading review", err)
		return
	}
	if review == nil {
		respondError(w, http.StatusNotFound, "review not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(review.Record)
}

func (s *Server) handlePaperPage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.paper(w, r)
	if !ok {
		return
	}
	var src strings.Builder
	fmt.Fprintf(&src, "# %s\n\n", p.Title)
	if p.Abstract != "" {
		fmt.Fprintf(&src, "> %s\n\n", p.Abstract)
	}
	src.WriteString(p.Body)
	body, err := publish.RenderHTML(src.String())
	if err != nil {
		s.internalError(w, "rendering article", err)
		return
	}

	data := map[string]any{
		"Paper": p,
		"Body":  template.HTML(body), //nolint: gosec
	}
	if p.Supersedes != nil {
		data["Supersedes"] = *p.Supersedes
	}
	if p.SupersededBy != nil {
		data["SupersededBy"] = *p.SupersededBy
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		slog.Error("rendering paper page", "paper", p.ID, "error", err)
	}
}

type submissionView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Category      string     `json:"category"`
	Type          string     `json:"type"`
	ContributorID string     `json:"contributor_id"`
	State         string     `json:"state"`
	ReasonCode    *string    `json:"reason_code"`
	LastError     *string    `json:"last_error"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at"`
	Committed     bool       `json:"committed"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Feedback      any        `json:"feedback,omitempty"`
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.db.GetSubmission(id)
	if err != nil {
		s.internalError(w, "loading submission", err)
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "submission not found")
		return
	}
	view := submissionView{
		ID:            sub.ID,
		Title:         sub.Title,
		Category:      sub.Category,
		Type:          sub.Type,
		ContributorID: sub.ContributorID,
		State:         sub.State,
		ReasonCode:    sub.ReasonCode,
		LastError:     sub.LastError,
		Attempts:      sub.Attempts,
		NextAttemptAt: sub.NextAttemptAt,
		Committed:     sub.Committed(),
		UpdatedAt:     sub.UpdatedAt,
	}
	if sub.State == database.StateRejected {
		fb, err := s.db.GetFeedback(id)
		if err != nil {
			s.internalError(w, "loading feedback", err)
			return
		}
		if fb != nil {
			view.Feedback = json.RawMessage(fb)
		}
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) paper(w http.ResponseWriter, r *http.Request) (*database.Paper, bool) {
	p, err := s.db.GetPaper(r.PathValue("id"))
	if err != nil {
		s.internalError(w, "loading paper", err)
		return nil, false
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "paper not found")
		return nil, false
	}
	return p, true
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	slog.Error(what, "error", err)
	respondError(w, http.StatusInternalServerError, "internal server error")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

// Serve starts the HTTP server on the given port and blocks until ctx is
// cancelled.
func Serve(ctx context.Context, db *database.DB, port int) error {
	srv, err := New(db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "url", "http://"+addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
