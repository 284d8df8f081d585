// Package ledger holds the append-only timeline of frames: the arena of
// frame records, the parent/child and link adjacency between them, and the
// claim protocol the enrichment pipeline uses to update a frame in place.
//
// The ledger owns the in-memory view. Durability is delegated to a Journal;
// every mutation is staged there first and published in memory only after
// staging succeeds, so a failed write never leaves a partial frame behind.
package ledger

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Claim marks a frame as taken by one enrichment task. An update carrying a
// claim is rejected as stale when the token no longer matches or the frame
// moved past the revision the claim was taken at.
type Claim struct {
	ID       model.FrameID
	Token    ulid.ULID
	Revision uint64
}

// Patch is the enrichment output applied to a claimed frame.
type Patch struct {
	State         model.EnrichmentState
	Reason        string
	ExtractedText string
	// Title is applied only when the frame has none.
	Title       string
	DerivedTags []string
	// Metadata entries are set as top-level keys of the frame metadata.
	Metadata  map[string]model.Value
	Embedding []float32
	Chunks    []model.Chunk
}

// Ledger is safe for concurrent use. Appends are serialized on the tail;
// readers take snapshots and never block on the journal.
type Ledger struct {
	journal Journal
	logger  *slog.Logger

	tail sync.Mutex // serializes Append and AddLink

	mu       sync.RWMutex
	frames   []*model.Frame // copy-on-write; entries are never mutated
	durable  int
	claims   map[model.FrameID]Claim
	up       map[model.FrameID][]model.FrameID // frame -> frames it derives from
	down     map[model.FrameID][]model.FrameID
	links    []model.Link
	triplets map[model.FrameID][]model.Triplet
	entropy  *rand.Rand
}

// New returns an empty ledger backed by journal.
func New(journal Journal, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{
		journal:  journal,
		logger:   logger,
		claims:   make(map[model.FrameID]Claim),
		up:       make(map[model.FrameID][]model.FrameID),
		down:     make(map[model.FrameID][]model.FrameID),
		triplets: make(map[model.FrameID][]model.Triplet),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Load rebuilds the in-memory view from the journal. Everything loaded is
// durable.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.journal.LoadFrames(ctx, func(f *model.Frame) error {
		if f.ID != model.FrameID(len(l.frames)) {
			return fserr.New(fserr.CodeStoreOpenCorrupt, "frame ids are not dense",
				fserr.FieldFrameID(uint64(f.ID)), fserr.Field("expected", len(l.frames)))
		}
		if f.ParentID != nil && *f.ParentID >= f.ID {
			return fserr.New(fserr.CodeStoreOpenCorrupt, "parent does not precede child",
				fserr.FieldFrameID(uint64(f.ID)))
		}
		l.frames = append(l.frames, f)
		if f.ParentID != nil {
			l.addEdgeLocked(f.ID, *f.ParentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = l.journal.LoadLinks(ctx, func(link model.Link) error {
		if !l.existsLocked(link.From) || !l.existsLocked(link.To) {
			return fserr.New(fserr.CodeStoreOpenCorrupt, "link references a missing frame",
				fserr.Field("from", link.From), fserr.Field("to", link.To))
		}
		l.links = append(l.links, link)
		if link.Rel == model.RelDerivedFrom {
			l.addEdgeLocked(link.From, link.To)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = l.journal.LoadTriplets(ctx, func(t model.Triplet) error {
		l.triplets[t.FrameID] = append(l.triplets[t.FrameID], t)
		return nil
	})
	if err != nil {
		return err
	}

	l.durable = len(l.frames)
	l.logger.Debug("ledger loaded", "frames", len(l.frames), "links", len(l.links))
	return nil
}

// Append assigns the next id to draft, stages it with its raw content and
// publishes it. The parent, when set, must already be durable. On error the
// ledger is unchanged and the id is not consumed.
func (l *Ledger) Append(ctx context.Context, draft *model.Frame, raw []byte) (model.FrameID, error) {
	l.tail.Lock()
	defer l.tail.Unlock()

	l.mu.RLock()
	id := model.FrameID(len(l.frames))
	durable := l.durable
	l.mu.RUnlock()

	if draft.ParentID != nil {
		parent := *draft.ParentID
		if parent >= id {
			return 0, fserr.New(fserr.CodeStorePutInvalid, "parent frame does not exist",
				fserr.Field("parent_id", parent))
		}
		if int(parent) >= durable {
			return 0, fserr.New(fserr.CodeStorePutInvalid, "parent frame is not durable yet",
				fserr.Field("parent_id", parent))
		}
	}

	frame := draft.Clone()
	frame.ID = id
	if err := l.journal.StageFrame(ctx, frame, raw); err != nil {
		return 0, fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stage frame",
			fserr.FieldFrameID(uint64(id)))
	}

	l.mu.Lock()
	l.frames = append(l.frames, frame)
	if frame.ParentID != nil {
		l.addEdgeLocked(id, *frame.ParentID)
	}
	l.mu.Unlock()
	return id, nil
}

// Len returns the number of frames, durable or not.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.frames)
}

// MarkDurable records that the first n frames survived a sync.
func (l *Ledger) MarkDurable(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.frames) {
		n = len(l.frames)
	}
	if n > l.durable {
		l.durable = n
	}
}

// IsDurable reports whether id has been committed.
func (l *Ledger) IsDurable(id model.FrameID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(id) < l.durable
}

// Durable returns the number of committed frames.
func (l *Ledger) Durable() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.durable
}

// Get returns a copy of frame id.
func (l *Ledger) Get(id model.FrameID) (*model.Frame, bool) {
	l.mu.RLock()
	var f *model.Frame
	if l.existsLocked(id) {
		f = l.frames[id]
	}
	l.mu.RUnlock()
	if f == nil {
		return nil, false
	}
	return f.Clone(), true
}

func (l *Ledger) mustGet(id model.FrameID) (*model.Frame, error) {
	f, ok := l.Get(id)
	if !ok {
		return nil, fserr.New(fserr.CodeStoreFrameNotFound, "frame not found", fserr.FieldFrameID(uint64(id)))
	}
	return f, nil
}

// Scan calls fn with a copy of each frame in id order until fn returns
// false. It walks the frames present when Scan was called.
func (l *Ledger) Scan(fn func(*model.Frame) bool) {
	l.mu.RLock()
	frames := append([]*model.Frame(nil), l.frames...)
	l.mu.RUnlock()
	for _, f := range frames {
		if !fn(f.Clone()) {
			return
		}
	}
}

// Pending returns the ids of frames whose enrichment has not reached a
// terminal state, in id order.
func (l *Ledger) Pending() []model.FrameID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []model.FrameID
	for _, f := range l.frames {
		if !f.State.Terminal() {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// BeginEnrichment claims frame id for one enrichment task.
func (l *Ledger) BeginEnrichment(id model.FrameID) (*model.Frame, Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.existsLocked(id) {
		return nil, Claim{}, fserr.New(fserr.CodeStoreFrameNotFound, "frame not found", fserr.FieldFrameID(uint64(id)))
	}
	f := l.frames[id]
	if f.State.Terminal() {
		return nil, Claim{}, fserr.New(fserr.CodeEnrichClaimConflict, "frame already enriched",
			fserr.FieldFrameID(uint64(id)), fserr.Field("state", f.State))
	}
	if _, taken := l.claims[id]; taken {
		return nil, Claim{}, fserr.New(fserr.CodeEnrichClaimConflict, "frame enrichment in progress",
			fserr.FieldFrameID(uint64(id)))
	}
	c := Claim{
		ID:       id,
		Token:    ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy),
		Revision: f.Revision,
	}
	l.claims[id] = c
	return f.Clone(), c, nil
}

// ReleaseEnrichment drops the claim. Releasing a claim that was replaced or
// never taken is a no-op.
func (l *Ledger) ReleaseEnrichment(c Claim) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.claims[c.ID]; ok && cur.Token == c.Token {
		delete(l.claims, c.ID)
	}
}

// InProgress reports whether a claim is held on id.
func (l *Ledger) InProgress(id model.FrameID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.claims[id]
	return ok
}

func (l *Ledger) checkClaimLocked(c Claim) error {
	cur, ok := l.claims[c.ID]
	if !ok || cur.Token != c.Token {
		return fserr.New(fserr.CodeStoreFrameStale, "enrichment claim no longer held",
			fserr.FieldFrameID(uint64(c.ID)))
	}
	if l.frames[c.ID].Revision != c.Revision {
		return fserr.New(fserr.CodeStoreFrameStale, "frame changed since claim",
			fserr.FieldFrameID(uint64(c.ID)),
			fserr.Field("claimed_revision", c.Revision),
			fserr.Field("revision", l.frames[c.ID].Revision))
	}
	return nil
}

// UpdateEnrichment applies p to the claimed frame and moves it to a terminal
// state. Caller-provided tags are kept; derived tags are merged in. The claim
// stays held until released.
func (l *Ledger) UpdateEnrichment(ctx context.Context, c Claim, p Patch) (*model.Frame, error) {
	if !p.State.Terminal() {
		return nil, fserr.New(fserr.CodeEnrichStepFailure, "enrichment must end in a terminal state",
			fserr.FieldFrameID(uint64(c.ID)), fserr.Field("state", p.State))
	}

	l.mu.RLock()
	if !l.existsLocked(c.ID) {
		l.mu.RUnlock()
		return nil, fserr.New(fserr.CodeStoreFrameNotFound, "frame not found", fserr.FieldFrameID(uint64(c.ID)))
	}
	if err := l.checkClaimLocked(c); err != nil {
		l.mu.RUnlock()
		return nil, err
	}
	next := l.frames[c.ID].Clone()
	l.mu.RUnlock()

	next.State = p.State
	next.StateReason = p.Reason
	if p.ExtractedText != "" {
		next.ExtractedText = p.ExtractedText
	}
	if next.Title == "" && p.Title != "" {
		next.Title = p.Title
	}
	if len(p.DerivedTags) > 0 {
		next.DerivedTags = model.NormalizeSet(p.DerivedTags)
		next.Tags = model.UnionSet(next.Tags, next.DerivedTags)
	}
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		next.Metadata = next.Metadata.With(k, p.Metadata[k])
	}
	if p.Embedding != nil {
		next.Embedding = append([]float32(nil), p.Embedding...)
	}
	next.Revision++

	chunks := make([]model.Chunk, len(p.Chunks))
	for i, ch := range p.Chunks {
		ch.FrameID = c.ID
		chunks[i] = ch
	}
	if err := l.journal.StageEnrichment(ctx, next, chunks); err != nil {
		return nil, fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stage enrichment",
			fserr.FieldFrameID(uint64(c.ID)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkClaimLocked(c); err != nil {
		return nil, err
	}
	l.frames[c.ID] = next
	return next.Clone(), nil
}

// PutTriplets replaces the triplets extracted from the claimed frame.
func (l *Ledger) PutTriplets(ctx context.Context, c Claim, triplets []model.Triplet) error {
	l.mu.RLock()
	err := l.checkClaimLocked(c)
	l.mu.RUnlock()
	if err != nil {
		return err
	}

	ts := make([]model.Triplet, len(triplets))
	for i, t := range triplets {
		t.FrameID = c.ID
		ts[i] = t
	}
	if err := l.journal.StageTriplets(ctx, c.ID, ts); err != nil {
		return fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stage triplets",
			fserr.FieldFrameID(uint64(c.ID)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ts) == 0 {
		delete(l.triplets, c.ID)
	} else {
		l.triplets[c.ID] = ts
	}
	return nil
}

// Triplets returns the triplets extracted from frame id.
func (l *Ledger) Triplets(id model.FrameID) []model.Triplet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.Triplet(nil), l.triplets[id]...)
}

// FindTriplets matches triplets case-insensitively; empty arguments match
// anything. Results are in frame id order.
func (l *Ledger) FindTriplets(subject, predicate, object string) []model.Triplet {
	l.mu.RLock()
	ids := make([]model.FrameID, 0, len(l.triplets))
	for id := range l.triplets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	match := func(want, got string) bool {
		return want == "" || strings.EqualFold(want, got)
	}
	var out []model.Triplet
	for _, id := range ids {
		for _, t := range l.triplets[id] {
			if match(subject, t.Subject) && match(predicate, t.Predicate) && match(object, t.Object) {
				out = append(out, t)
			}
		}
	}
	l.mu.RUnlock()
	return out
}

// TripletCount returns the total number of stored triplets.
func (l *Ledger) TripletCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, ts := range l.triplets {
		n += len(ts)
	}
	return n
}

// AddLink records an explicit edge between two frames. derived_from edges
// take part in ancestry and may not form a cycle. Adding an existing link
// is a no-op.
func (l *Ledger) AddLink(ctx context.Context, link model.Link) error {
	if !model.ValidRels[link.Rel] {
		return fserr.New(fserr.CodeStoreLinkInvalid, "unknown relation", fserr.Field("rel", link.Rel))
	}
	if link.From == link.To {
		return fserr.New(fserr.CodeStoreLinkInvalid, "frame cannot link to itself",
			fserr.FieldFrameID(uint64(link.From)))
	}

	l.tail.Lock()
	defer l.tail.Unlock()

	l.mu.RLock()
	for _, id := range []model.FrameID{link.From, link.To} {
		if !l.existsLocked(id) {
			l.mu.RUnlock()
			return fserr.New(fserr.CodeStoreFrameNotFound, "frame not found", fserr.FieldFrameID(uint64(id)))
		}
	}
	for _, existing := range l.links {
		if existing.From == link.From && existing.To == link.To && existing.Rel == link.Rel {
			l.mu.RUnlock()
			return nil
		}
	}
	if link.Rel == model.RelDerivedFrom && l.reachableLocked(link.To, link.From) {
		l.mu.RUnlock()
		return fserr.New(fserr.CodeStoreLinkInvalid, "derived_from link would create a cycle",
			fserr.Field("from", link.From), fserr.Field("to", link.To))
	}
	l.mu.RUnlock()

	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	if err := l.journal.StageLink(ctx, link); err != nil {
		return fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "stage link",
			fserr.Field("from", link.From), fserr.Field("to", link.To))
	}

	l.mu.Lock()
	l.links = append(l.links, link)
	if link.Rel == model.RelDerivedFrom {
		l.addEdgeLocked(link.From, link.To)
	}
	l.mu.Unlock()
	return nil
}

// Links returns the links touching frame id, oldest first.
func (l *Ledger) Links(id model.FrameID) []model.Link {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Link
	for _, link := range l.links {
		if link.From == id || link.To == id {
			out = append(out, link)
		}
	}
	return out
}

// LinkCount returns the number of explicit links.
func (l *Ledger) LinkCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.links)
}

// Children returns the frames derived from id, through parent_id or a
// derived_from link, in id order.
func (l *Ledger) Children(id model.FrameID) []model.FrameID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]model.FrameID(nil), l.down[id]...)
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Parent returns the parent_id of frame id.
func (l *Ledger) Parent(id model.FrameID) (model.FrameID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.existsLocked(id) || l.frames[id].ParentID == nil {
		return 0, false
	}
	return *l.frames[id].ParentID, true
}

// Ancestors returns every frame id derives from, nearest first.
func (l *Ledger) Ancestors(id model.FrameID) []model.FrameID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[model.FrameID]bool{id: true}
	var out []model.FrameID
	queue := append([]model.FrameID(nil), l.up[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, l.up[next]...)
	}
	return out
}

// Content returns the raw bytes stored for frame id, or nil when the frame
// was ingested without content.
func (l *Ledger) Content(ctx context.Context, id model.FrameID) ([]byte, error) {
	f, err := l.mustGet(id)
	if err != nil {
		return nil, err
	}
	if f.ContentRef == "" {
		return nil, nil
	}
	b, err := l.journal.Content(ctx, f.ContentRef)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "read content",
			fserr.FieldFrameID(uint64(id)), fserr.FieldDigest(f.ContentRef))
	}
	return b, nil
}

// Chunks returns the chunks produced for frame id.
func (l *Ledger) Chunks(ctx context.Context, id model.FrameID) ([]model.Chunk, error) {
	if _, err := l.mustGet(id); err != nil {
		return nil, err
	}
	chunks, err := l.journal.Chunks(ctx, id)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeStoreMediumIOFailure, "read chunks", fserr.FieldFrameID(uint64(id)))
	}
	return chunks, nil
}

func (l *Ledger) existsLocked(id model.FrameID) bool {
	return uint64(id) < uint64(len(l.frames))
}

func (l *Ledger) addEdgeLocked(child, parent model.FrameID) {
	for _, p := range l.up[child] {
		if p == parent {
			return
		}
	}
	l.up[child] = append(l.up[child], parent)
	l.down[parent] = append(l.down[parent], child)
}

// reachableLocked reports whether target is from or one of from's
// ancestors.
func (l *Ledger) reachableLocked(from, target model.FrameID) bool {
	seen := map[model.FrameID]bool{}
	stack := []model.FrameID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, l.up[n]...)
	}
	return false
}
