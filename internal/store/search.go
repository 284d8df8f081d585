package store

import (
	"context"
	"sort"

	"github.com/rcliao/framestore/internal/embedding"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// SearchParams holds parameters for a filtered soft index search.
type SearchParams = softindex.SearchParams

// SearchResult wraps a frame with its relevance score.
type SearchResult struct {
	Frame *model.Frame `json:"frame"`
	Score float64      `json:"score"`
}

// Search runs a filtered query against the soft index.
func (s *Store) Search(p SearchParams) ([]SearchResult, error) {
	hits, err := s.index.Search(p)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeStoreQueryInvalid, "invalid tag pattern")
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		f, ok := s.ledger.Get(h.ID)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Frame: f, Score: h.Score})
	}
	return results, nil
}

// SimilarParams selects the reference for a similarity search: either text
// to embed or a ready vector.
type SimilarParams struct {
	Text   string
	Vector embedding.Vector
	Limit  int
	// MinScore drops weaker matches.
	MinScore float64
}

// Similar ranks frames that carry an embedding by cosine similarity to the
// reference.
func (s *Store) Similar(ctx context.Context, p SimilarParams) ([]SearchResult, error) {
	ref := p.Vector
	if ref == nil {
		if s.embedder == nil {
			return nil, fserr.New(fserr.CodeConfigValidateInvalid, "similarity search needs an embedding provider")
		}
		var err error
		ref, err = s.embedder.Embed(ctx, p.Text)
		if err != nil {
			return nil, err
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	var results []SearchResult
	s.ledger.Scan(func(f *model.Frame) bool {
		if len(f.Embedding) == 0 {
			return true
		}
		score := embedding.CosineSimilarity(ref, f.Embedding)
		if score > 0 && score >= p.MinScore {
			results = append(results, SearchResult{Frame: f, Score: score})
		}
		return true
	})
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Frame.ID > results[j].Frame.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
