// Package softindex is the low-latency in-memory text index consulted right
// after ingest. It knows nothing about enrichment; callers hand it whatever
// text and tags a frame has at the time and may re-index the frame later.
package softindex

import (
	"iter"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/rcliao/framestore/internal/model"
)

// Weights scale the contribution of each field to a frame's score.
type Weights struct {
	Body  float64
	Title float64
	Tag   float64
	Facet float64 // track and kind
}

// DefaultWeights boosts titles and tags over body text.
func DefaultWeights() Weights {
	return Weights{Body: 1.0, Title: 3.0, Tag: 2.5, Facet: 1.5}
}

// Doc is the indexable view of a frame.
type Doc struct {
	ID        model.FrameID
	Timestamp time.Time
	Role      model.Role
	Track     string
	Kind      string
	Title     string
	Tags      []string
	Body      []string
}

// Hit is a scored query result.
type Hit struct {
	ID    model.FrameID `json:"id"`
	Score float64       `json:"score"`
}

type entry struct {
	timestamp time.Time
	role      model.Role
	track     string
	kind      string
	tags      []string
	terms     []string
}

// Index is safe for concurrent use. Index calls are expected to be
// serialized by the caller per frame; queries run under a read lock and see
// each frame either before or after an update, never in between.
type Index struct {
	mu       sync.RWMutex
	weights  Weights
	postings map[string]map[model.FrameID]float64
	docs     map[model.FrameID]*entry
}

// New returns an empty index. Zero weights fall back to DefaultWeights.
func New(w Weights) *Index {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Index{
		weights:  w,
		postings: make(map[string]map[model.FrameID]float64),
		docs:     make(map[model.FrameID]*entry),
	}
}

// Index adds doc, replacing any previous postings for the same frame.
// Cost is linear in the amount of text.
func (x *Index) Index(doc Doc) {
	scores := x.score(doc)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(doc.ID)

	terms := make([]string, 0, len(scores))
	for term, s := range scores {
		p := x.postings[term]
		if p == nil {
			p = make(map[model.FrameID]float64)
			x.postings[term] = p
		}
		p[doc.ID] = s
		terms = append(terms, term)
	}
	x.docs[doc.ID] = &entry{
		timestamp: doc.Timestamp,
		role:      doc.Role,
		track:     doc.Track,
		kind:      doc.Kind,
		tags:      append([]string(nil), doc.Tags...),
		terms:     terms,
	}
}

func (x *Index) removeLocked(id model.FrameID) {
	old, ok := x.docs[id]
	if !ok {
		return
	}
	for _, term := range old.terms {
		p := x.postings[term]
		delete(p, id)
		if len(p) == 0 {
			delete(x.postings, term)
		}
	}
	delete(x.docs, id)
}

// Has reports whether the frame is searchable.
func (x *Index) Has(id model.FrameID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.docs[id]
	return ok
}

// Len returns the number of indexed frames.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// score computes the per-term contribution of every field of doc.
func (x *Index) score(doc Doc) map[string]float64 {
	scores := make(map[string]float64)
	add := func(text string, weight float64) {
		tf := make(map[string]int)
		for _, tok := range Tokenize(text) {
			tf[tok]++
		}
		for tok, n := range tf {
			scores[tok] += weight * (1 + math.Log(float64(n)))
		}
	}
	for _, body := range doc.Body {
		add(body, x.weights.Body)
	}
	add(doc.Title, x.weights.Title)
	for _, tag := range doc.Tags {
		add(tag, x.weights.Tag)
	}
	add(doc.Track, x.weights.Facet)
	add(doc.Kind, x.weights.Facet)
	return scores
}

// Query returns the frames matching any of terms, best first. Ties break on
// newer timestamp, then higher id. The ordering is fixed when Query is
// called; later index updates do not affect an issued result.
func (x *Index) Query(terms ...string) iter.Seq[model.FrameID] {
	hits := x.collect(terms, nil)
	return func(yield func(model.FrameID) bool) {
		for _, h := range hits {
			if !yield(h.ID) {
				return
			}
		}
	}
}

// SearchParams narrows a query.
type SearchParams struct {
	Query string
	Track string
	Kind  string
	Role  model.Role
	// TagPatterns are glob patterns (e.g. "proj/*"); a frame matches when any
	// of its tags matches any pattern.
	TagPatterns []string
	Limit       int
}

// Search runs a filtered query. An empty query matches every frame that
// passes the filters, newest first.
func (x *Index) Search(p SearchParams) ([]Hit, error) {
	globs := make([]glob.Glob, 0, len(p.TagPatterns))
	for _, pattern := range p.TagPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}

	filter := func(e *entry) bool {
		if p.Track != "" && e.track != p.Track {
			return false
		}
		if p.Kind != "" && e.kind != p.Kind {
			return false
		}
		if p.Role != "" && e.role != p.Role {
			return false
		}
		if len(globs) > 0 && !matchAnyTag(globs, e.tags) {
			return false
		}
		return true
	}

	var hits []Hit
	if len(Tokenize(p.Query)) == 0 {
		hits = x.collectAll(filter)
	} else {
		hits = x.collect([]string{p.Query}, filter)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func matchAnyTag(globs []glob.Glob, tags []string) bool {
	for _, tag := range tags {
		for _, g := range globs {
			if g.Match(tag) {
				return true
			}
		}
	}
	return false
}

func (x *Index) collect(terms []string, filter func(*entry) bool) []Hit {
	var tokens []string
	seen := map[string]bool{}
	for _, t := range terms {
		for _, tok := range Tokenize(t) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	scores := make(map[model.FrameID]float64)
	for _, tok := range tokens {
		for id, s := range x.postings[tok] {
			scores[id] += s
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		if filter != nil && !filter(x.docs[id]) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: s})
	}
	x.sortLocked(hits)
	return hits
}

func (x *Index) collectAll(filter func(*entry) bool) []Hit {
	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.docs))
	for id, e := range x.docs {
		if filter(e) {
			hits = append(hits, Hit{ID: id})
		}
	}
	x.sortLocked(hits)
	return hits
}

func (x *Index) sortLocked(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := x.docs[a.ID].timestamp, x.docs[b.ID].timestamp
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID > b.ID
	})
}
