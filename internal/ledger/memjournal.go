package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rcliao/framestore/internal/model"
)

// Compile-time interface check.
var _ Journal = (*MemJournal)(nil)

// MemJournal is an in-process Journal. It keeps staged and synced state
// apart so the commit protocol behaves as it does on disk, and it can be
// told to fail stage or sync calls.
type MemJournal struct {
	mu sync.Mutex

	stageErr error
	syncErr  error
	rejected int

	staged  []memOp
	durable memState
	syncs   int
}

type memOp func(*memState)

type memState struct {
	frames   map[model.FrameID]*model.Frame
	blobs    map[string][]byte
	chunks   map[model.FrameID][]model.Chunk
	triplets map[model.FrameID][]model.Triplet
	links    map[model.Link]bool
}

func newMemState() memState {
	return memState{
		frames:   make(map[model.FrameID]*model.Frame),
		blobs:    make(map[string][]byte),
		chunks:   make(map[model.FrameID][]model.Chunk),
		triplets: make(map[model.FrameID][]model.Triplet),
		links:    make(map[model.Link]bool),
	}
}

// NewMemJournal returns an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{durable: newMemState()}
}

// FailStage makes every following stage call return err (nil clears it).
func (j *MemJournal) FailStage(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stageErr = err
}

// FailSync makes every following Sync return err (nil clears it).
func (j *MemJournal) FailSync(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.syncErr = err
}

// RejectedStages returns the number of stage calls failed by FailStage.
func (j *MemJournal) RejectedStages() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rejected
}

// Syncs returns the number of successful Sync calls.
func (j *MemJournal) Syncs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncs
}

// DurableFrames returns the number of frames persisted by Sync.
func (j *MemJournal) DurableFrames() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.durable.frames)
}

func (j *MemJournal) stage(op memOp) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stageErr != nil {
		j.rejected++
		return j.stageErr
	}
	j.staged = append(j.staged, op)
	return nil
}

func (j *MemJournal) StageFrame(_ context.Context, f *model.Frame, raw []byte) error {
	frame := f.Clone()
	var blob []byte
	if raw != nil && frame.ContentRef != "" {
		blob = append([]byte(nil), raw...)
	}
	return j.stage(func(s *memState) {
		s.frames[frame.ID] = frame
		if blob != nil {
			s.blobs[frame.ContentRef] = blob
		}
	})
}

func (j *MemJournal) StageEnrichment(_ context.Context, f *model.Frame, chunks []model.Chunk) error {
	frame := f.Clone()
	cs := append([]model.Chunk(nil), chunks...)
	return j.stage(func(s *memState) {
		s.frames[frame.ID] = frame
		if len(cs) > 0 {
			s.chunks[frame.ID] = cs
		}
	})
}

func (j *MemJournal) StageTriplets(_ context.Context, id model.FrameID, triplets []model.Triplet) error {
	ts := append([]model.Triplet(nil), triplets...)
	return j.stage(func(s *memState) {
		s.triplets[id] = ts
	})
}

func (j *MemJournal) StageLink(_ context.Context, l model.Link) error {
	return j.stage(func(s *memState) {
		s.links[l] = true
	})
}

func (j *MemJournal) Sync(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.syncErr != nil {
		return j.syncErr
	}
	for _, op := range j.staged {
		op(&j.durable)
	}
	j.staged = nil
	j.syncs++
	return nil
}

// view applies the staged batch to a copy of the durable state.
func (j *MemJournal) view() memState {
	v := newMemState()
	for k, f := range j.durable.frames {
		v.frames[k] = f
	}
	for k, b := range j.durable.blobs {
		v.blobs[k] = b
	}
	for k, c := range j.durable.chunks {
		v.chunks[k] = c
	}
	for k, t := range j.durable.triplets {
		v.triplets[k] = t
	}
	for k := range j.durable.links {
		v.links[k] = true
	}
	for _, op := range j.staged {
		op(&v)
	}
	return v
}

func (j *MemJournal) LoadFrames(_ context.Context, fn func(*model.Frame) error) error {
	j.mu.Lock()
	frames := make([]*model.Frame, 0, len(j.durable.frames))
	for _, f := range j.durable.frames {
		frames = append(frames, f.Clone())
	}
	j.mu.Unlock()

	sort.Slice(frames, func(a, b int) bool { return frames[a].ID < frames[b].ID })
	for _, f := range frames {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemJournal) LoadTriplets(_ context.Context, fn func(model.Triplet) error) error {
	j.mu.Lock()
	var all []model.Triplet
	for _, ts := range j.durable.triplets {
		all = append(all, ts...)
	}
	j.mu.Unlock()

	sort.SliceStable(all, func(a, b int) bool { return all[a].FrameID < all[b].FrameID })
	for _, t := range all {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemJournal) LoadLinks(_ context.Context, fn func(model.Link) error) error {
	j.mu.Lock()
	links := make([]model.Link, 0, len(j.durable.links))
	for l := range j.durable.links {
		links = append(links, l)
	}
	j.mu.Unlock()

	sort.Slice(links, func(a, b int) bool {
		if links[a].From != links[b].From {
			return links[a].From < links[b].From
		}
		return links[a].To < links[b].To
	})
	for _, l := range links {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemJournal) Content(_ context.Context, ref string) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	b, ok := j.view().blobs[ref]
	if !ok {
		return nil, fmt.Errorf("content %s not found", ref)
	}
	return append([]byte(nil), b...), nil
}

func (j *MemJournal) Chunks(_ context.Context, id model.FrameID) ([]model.Chunk, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Chunk(nil), j.view().chunks[id]...), nil
}

func (j *MemJournal) Close() error { return nil }
