package novelty

import (
	"context"

	"github.com/TobiSchelling/peerreview/internal/database"
)

// Index lists published papers.
type Index interface {
	ListPapers(f database.PaperFilter) ([]database.Paper, error)
}

// IndexSearcher matches against the journal's own papers. All papers are
// returned; the checker scores and ranks them.
type IndexSearcher struct {
	Index Index
}

func (s *IndexSearcher) Name() string { return SourceInternal }

func (s *IndexSearcher) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	papers, err := s.Index.ListPapers(database.PaperFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(papers))
	for _, p := range papers {
		if p.ID == q.ExcludeID {
			continue
		}
		out = append(out, Record{
			Source:   SourceInternal,
			ID:       p.ID,
			Title:    p.Title,
			Abstract: truncate(p.Abstract, maxAbstractChars),
			Year:     p.PublishedAt.Year(),
			Category: p.Category,
			Status:   p.Status,
		})
	}
	return out, nil
}
