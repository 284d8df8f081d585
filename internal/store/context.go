package store

import (
	"context"
	"math"
	"sort"

	"github.com/rcliao/framestore/internal/model"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Query       string
	Track       string
	Kind        string
	TagPatterns []string
	Budget      int // max tokens in output (rough proxy: 1 token ≈ 4 chars)
}

// ContextFrame is a scored frame in an assembled context.
type ContextFrame struct {
	ID      model.FrameID `json:"id"`
	Title   string        `json:"title,omitempty"`
	Track   string        `json:"track,omitempty"`
	Kind    string        `json:"kind,omitempty"`
	Content string        `json:"content"`
	Score   float64       `json:"score"`
	Excerpt bool          `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget int            `json:"budget"`
	Used   int            `json:"used"`
	Frames []ContextFrame `json:"frames"`
}

// Context packs the frames most relevant to a query into a token budget.
// Candidates come from the soft index and are re-ranked by relevance and
// recency; the last one that does not fit may be cut to an excerpt.
func (s *Store) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	results, err := s.Search(SearchParams{
		Query:       p.Query,
		Track:       p.Track,
		Kind:        p.Kind,
		TagPatterns: p.TagPatterns,
		Limit:       50,
	})
	if err != nil {
		return nil, err
	}
	result := &ContextResult{Budget: budget, Frames: []ContextFrame{}}
	if len(results) == 0 {
		return result, nil
	}

	top := results[0].Score
	now := s.now()
	type scored struct {
		frame *model.Frame
		score float64
	}
	candidates := make([]scored, 0, len(results))
	for _, r := range results {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		relevance := 1.0
		if top > 0 {
			relevance = r.Score / top
		}
		// Recency: exponential decay over days.
		age := now.Sub(r.Frame.Timestamp).Hours() / 24.0
		recency := math.Exp(-0.1 * math.Max(age, 0))

		candidates = append(candidates, scored{frame: r.Frame, score: relevance*0.7 + recency*0.3})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	used := 0
	for _, c := range candidates {
		content := contextText(c.frame)
		if content == "" {
			continue
		}
		entry := ContextFrame{
			ID:    c.frame.ID,
			Title: c.frame.Title,
			Track: c.frame.Track,
			Kind:  c.frame.Kind,
			Score: math.Round(c.score*100) / 100,
		}
		if used+len(content) <= charBudget {
			entry.Content = content
			result.Frames = append(result.Frames, entry)
			used += len(content)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			entry.Content = truncateUTF8(content, remaining) + "..."
			entry.Excerpt = true
			result.Frames = append(result.Frames, entry)
			used += len(entry.Content)
		}
		break
	}

	result.Used = used / 4
	return result, nil
}

func contextText(f *model.Frame) string {
	if t := f.Text(); t != "" {
		return t
	}
	return f.Title
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
