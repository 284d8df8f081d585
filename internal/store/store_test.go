package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

func testOptions() Options {
	return Options{Workers: 2, RetryBackoff: time.Millisecond}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Create(context.Background(), path, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// newMemStore builds a store over an in-memory journal for fault injection.
func newMemStore(t *testing.T) (*Store, *ledger.MemJournal) {
	t.Helper()
	j := ledger.NewMemJournal()
	s, err := newStore(context.Background(), j, "mem", "", testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, j
}

func putText(t *testing.T, s *Store, text string, mutate ...func(*model.PutOptions)) model.FrameID {
	t.Helper()
	opts := model.DefaultPutOptions()
	opts.SearchText = text
	for _, m := range mutate {
		m(&opts)
	}
	id, err := s.Put(context.Background(), nil, opts)
	require.NoError(t, err)
	return id
}

func waitEnriched(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitEnrichment(ctx))
}

func TestHelloWorld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opts := model.DefaultPutOptions()
	opts.Tags = []string{"greeting"}
	opts.Dedup = true

	id, err := s.Put(ctx, []byte("hello world"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(0), id)

	again, err := s.Put(ctx, []byte("hello world"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(0), again)
	assert.Equal(t, 1, s.Len(), "a duplicate adds no ledger entry")

	assert.Equal(t, []model.FrameID{0}, slices.Collect(s.Query("hello")))
}

func TestHelloWorld_LiteralOptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opts := model.PutOptions{Tags: []string{"greeting"}, Dedup: true}

	id, err := s.Put(ctx, []byte("hello world"), opts)
	require.NoError(t, err)
	again, err := s.Put(ctx, []byte("hello world"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(0), id)
	assert.Equal(t, id, again)

	f, ok := s.GetFrame(id)
	require.True(t, ok)
	assert.Equal(t, model.StateSoftIndexed, f.State, "instant indexing is on unless turned off")
	assert.Equal(t, model.RoleDocument, f.Role)
	assert.True(t, f.Enrich.AutoTag)
	assert.True(t, f.Enrich.ExtractDates)
	assert.True(t, f.Enrich.ExtractTriplets)
	assert.Equal(t, 350*time.Millisecond, f.Enrich.Budget())
	assert.Equal(t, []model.FrameID{0}, slices.Collect(s.Query("hello")))
}

func TestPut_DanglingParent(t *testing.T) {
	s := newTestStore(t)

	opts := model.DefaultPutOptions()
	opts.ParentID = model.ID(999)
	_, err := s.Put(context.Background(), nil, opts)
	require.Error(t, err)
	assert.True(t, fserr.IsValidation(err))
	assert.Equal(t, 0, s.Len())
}

func TestPut_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opts := model.DefaultPutOptions()
	opts.Role = "movie"
	_, err := s.Put(ctx, []byte("x"), opts)
	assert.True(t, fserr.IsValidation(err))

	opts = model.DefaultPutOptions()
	opts.ExtractionBudgetMS = model.Int(-1)
	_, err = s.Put(ctx, []byte("x"), opts)
	assert.True(t, fserr.IsValidation(err))

	opts = model.DefaultPutOptions()
	opts.Metadata = model.String("not an object")
	_, err = s.Put(ctx, []byte("x"), opts)
	assert.True(t, fserr.IsValidation(err))

	assert.Equal(t, 0, s.Len())
}

func TestPut_DuplicatesCoexistWithoutDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opts := model.DefaultPutOptions()
	first, err := s.Put(ctx, []byte("same bytes"), opts)
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("same bytes"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(0), first)
	assert.Equal(t, model.FrameID(1), second)

	opts.Dedup = true
	third, err := s.Put(ctx, []byte("same bytes"), opts)
	require.NoError(t, err)
	assert.Equal(t, first, third, "the first frame carrying a digest wins")
}

func TestPut_TextOnlyDedup(t *testing.T) {
	s := newTestStore(t)
	dedup := func(o *model.PutOptions) { o.Dedup = true }

	a := putText(t, s, "remember the milk", dedup)
	b := putText(t, s, "remember the milk", dedup)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, s.Len())
}

func TestPut_MonotonicIDsConcurrent(t *testing.T) {
	s := newTestStore(t)
	const n = 20

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []model.FrameID
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := model.DefaultPutOptions()
			opts.SearchText = "frame " + string(rune('a'+i))
			id, err := s.Put(context.Background(), nil, opts)
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for i, id := range ids {
		assert.Equal(t, model.FrameID(i), id)
	}
}

func TestPut_SoftIndexedImmediately(t *testing.T) {
	s := newTestStore(t)

	id := putText(t, s, "quarterly planning notes", func(o *model.PutOptions) {
		o.Title = "Roadmap"
		o.Tags = []string{"planning"}
		o.Track = "work"
	})
	f, ok := s.GetFrame(id)
	require.True(t, ok)
	assert.NotEqual(t, model.StatePending, f.State)
	assert.True(t, s.Searchable(id))

	assert.Equal(t, []model.FrameID{id}, slices.Collect(s.Query("quarterly")))
	assert.Equal(t, []model.FrameID{id}, slices.Collect(s.Query("roadmap")))
	assert.Equal(t, []model.FrameID{id}, slices.Collect(s.Query("work")))
}

func TestPut_DeferredIndexing(t *testing.T) {
	s := newTestStore(t)

	id := putText(t, s, "deferred words", func(o *model.PutOptions) { o.InstantIndex = model.BoolPtr(false) })
	f, _ := s.GetFrame(id)
	assert.Equal(t, model.StatePending, f.State)
	assert.False(t, s.Searchable(id))

	waitEnriched(t, s)
	f, _ = s.GetFrame(id)
	assert.Equal(t, model.StateFullyEnriched, f.State)
	assert.True(t, s.Searchable(id))
	assert.False(t, s.Enriching(id))
	assert.Equal(t, []model.FrameID{id}, slices.Collect(s.Query("deferred")))
}

func TestEnrichment_Converges(t *testing.T) {
	s := newTestStore(t)

	a := putText(t, s, "Dana manages the storage team. #infra", func(o *model.PutOptions) { o.Tags = []string{"people"} })
	b := putText(t, s, "The migration lands on 2026-05-01")
	c, err := s.Put(context.Background(), []byte("<html><title>Runbook</title><p>Rotate keys monthly</p></html>"), model.DefaultPutOptions())
	require.NoError(t, err)

	waitEnriched(t, s)
	for _, id := range []model.FrameID{a, b, c} {
		f, ok := s.GetFrame(id)
		require.True(t, ok)
		assert.Equal(t, model.StateFullyEnriched, f.State, "frame %d", id)
	}

	fa, _ := s.GetFrame(a)
	assert.Subset(t, fa.Tags, []string{"people", "infra"}, "caller tags survive")
	assert.Equal(t, []model.Triplet{{FrameID: a, Subject: "Dana", Predicate: "manages", Object: "storage team"}}, s.Triplets(a))

	fb, _ := s.GetFrame(b)
	dates, ok := fb.Metadata.Get("dates")
	require.True(t, ok)
	date, _ := dates.Items()[0].Get("date")
	got, _ := date.AsString()
	assert.Equal(t, "2026-05-01", got)

	fc, _ := s.GetFrame(c)
	assert.Equal(t, "Runbook", fc.Title)
	assert.Equal(t, []model.FrameID{c}, slices.Collect(s.Query("monthly")))
	chunks, err := s.Chunks(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestEnrichment_WidthChangingCaseText(t *testing.T) {
	s := newTestStore(t)

	a := putText(t, s, "\u023a\u023a\u023a\u023a\u023a\u023a is x")
	b := putText(t, s, "\u212aELVIN Labs manages the storage team")
	waitEnriched(t, s)

	for _, id := range []model.FrameID{a, b} {
		f, ok := s.GetFrame(id)
		require.True(t, ok)
		assert.Equal(t, model.StateFullyEnriched, f.State, "frame %d", id)
	}
	assert.Equal(t, []model.Triplet{{FrameID: b, Subject: "\u212aELVIN Labs", Predicate: "manages", Object: "storage team"}}, s.Triplets(b))
}

func TestEnrichment_ExtractionBudget(t *testing.T) {
	s := newTestStore(t)

	big := []byte("<html><body>")
	for range 20000 {
		big = append(big, "<p>lorem ipsum dolor</p>"...)
	}
	big = append(big, "</body></html>"...)

	opts := model.DefaultPutOptions()
	opts.ExtractionBudgetMS = model.Int(1)
	id, err := s.Put(context.Background(), big, opts)
	require.NoError(t, err)

	waitEnriched(t, s)
	f, _ := s.GetFrame(id)
	assert.Equal(t, model.StateFullyEnriched, f.State, "a budget overrun still advances")
	report, ok := f.Metadata.Get("extraction")
	require.True(t, ok)
	_, ok = report.Get("truncated")
	assert.True(t, ok)
	assert.NotEmpty(t, f.ExtractedText)
}

func TestPut_NoRawKeepsExtractedText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opts := model.DefaultPutOptions()
	opts.NoRaw = true
	id, err := s.Put(ctx, []byte("<html><p>kept without bytes</p></html>"), opts)
	require.NoError(t, err)

	f, _ := s.GetFrame(id)
	assert.Empty(t, f.ContentRef)
	assert.False(t, f.ContentHash.IsZero())
	assert.Equal(t, "kept without bytes", f.ExtractedText)

	raw, err := s.Content(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestPut_ReadsSourcePath(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("---\ntitle: Notes\n---\nbody text"), 0o644))

	opts := model.DefaultPutOptions()
	opts.SourcePath = path
	opts.Dedup = true
	id, err := s.Put(context.Background(), nil, opts)
	require.NoError(t, err)

	again, err := s.Put(context.Background(), []byte("---\ntitle: Notes\n---\nbody text"), opts)
	require.NoError(t, err)
	assert.Equal(t, id, again, "the file bytes are what gets hashed")

	waitEnriched(t, s)
	f, _ := s.GetFrame(id)
	assert.Equal(t, "Notes", f.Title)

	opts.SourcePath = filepath.Join(t.TempDir(), "missing.md")
	_, err = s.Put(context.Background(), nil, opts)
	assert.True(t, fserr.IsValidation(err))
}

func TestCreate_AlreadyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.db")
	s, err := Create(context.Background(), path, testOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	_, err = Create(context.Background(), path, testOptions())
	assert.True(t, fserr.IsAlreadyExists(err))
}

func TestOpen_NotFoundAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), filepath.Join(dir, "missing.db"), testOptions())
	assert.True(t, fserr.IsNotFound(err))

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not sqlite, just some text padding it out"), 0o644))
	_, err = Open(context.Background(), garbage, testOptions())
	assert.True(t, fserr.IsCorrupt(err), "got %v", err)
}

func TestReopen_RestoresState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frames.db")
	s, err := Create(ctx, path, testOptions())
	require.NoError(t, err)

	opts := model.DefaultPutOptions()
	opts.Dedup = true
	opts.Tags = []string{"alpha"}
	root, err := s.Put(ctx, []byte("Erin owns the billing service"), opts)
	require.NoError(t, err)

	child := putText(t, s, "follow-up on billing", func(o *model.PutOptions) { o.ParentID = model.ID(root) })
	_, err = s.Link(ctx, LinkParams{From: child, To: root, Rel: model.RelRefines})
	require.NoError(t, err)
	waitEnriched(t, s)
	storeID := s.ID()
	require.NoError(t, s.Close(ctx))

	s, err = Open(ctx, path, testOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Equal(t, storeID, s.ID())
	assert.Equal(t, 2, s.Len())

	f, ok := s.GetFrame(child)
	require.True(t, ok)
	require.NotNil(t, f.ParentID)
	assert.Equal(t, root, *f.ParentID)
	assert.Equal(t, model.StateFullyEnriched, f.State)

	raw, err := s.Content(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "Erin owns the billing service", string(raw))

	again, err := s.Put(ctx, []byte("Erin owns the billing service"), opts)
	require.NoError(t, err)
	assert.Equal(t, root, again, "dedup index rebuilt")

	assert.ElementsMatch(t, []model.FrameID{root, child}, slices.Collect(s.Query("billing")))
	assert.NotEmpty(t, s.Triplets(root))

	lineage, ok := s.Lineage(child)
	require.True(t, ok)
	assert.Equal(t, []model.FrameID{root}, lineage.Ancestors)
	assert.Len(t, lineage.Links, 1)
}

// stallingExtractor never finishes tagging until its context ends.
type stallingExtractor struct{}

func (stallingExtractor) Tags(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingExtractor) Dates(context.Context, string, time.Time) ([]model.DateRef, error) {
	return nil, nil
}

func (stallingExtractor) Triplets(context.Context, string) ([]model.Triplet, error) {
	return nil, nil
}

func TestOpen_ResumesUnfinishedEnrichment(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frames.db")

	opts := testOptions()
	opts.Extractor = stallingExtractor{}
	s, err := Create(ctx, path, opts)
	require.NoError(t, err)
	id := putText(t, s, "interrupted work")
	assert.Eventually(t, func() bool { return s.Enriching(id) }, time.Second, time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Close(closeCtx))

	s, err = Open(ctx, path, testOptions())
	require.NoError(t, err)
	defer s.Close(ctx)

	waitEnriched(t, s)
	f, ok := s.GetFrame(id)
	require.True(t, ok)
	assert.Equal(t, model.StateFullyEnriched, f.State)
}

func TestPut_IOFailureLeavesNoGap(t *testing.T) {
	s, j := newMemStore(t)
	ctx := context.Background()

	j.FailStage(errors.New("disk unplugged"))
	_, err := s.Put(ctx, []byte("lost"), model.DefaultPutOptions())
	require.Error(t, err)
	assert.True(t, fserr.IsIOFailure(err))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, slices.Collect(s.Query("lost")))

	j.FailStage(nil)
	id, err := s.Put(ctx, []byte("kept"), model.DefaultPutOptions())
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(0), id)
}

func TestPut_CommitFailureIsProvisional(t *testing.T) {
	s, j := newMemStore(t)
	ctx := context.Background()

	j.FailSync(errors.New("fsync failed"))
	id, err := s.Put(ctx, []byte("provisional"), model.DefaultPutOptions())
	require.Error(t, err)
	assert.True(t, fserr.IsCommitFailure(err))
	assert.Equal(t, model.FrameID(0), id)
	assert.Equal(t, uint64(0), fserr.FieldsOf(err)["frame_id"])

	_, ok := s.GetFrame(id)
	assert.True(t, ok, "in-memory state already reflects the frame")
	assert.Equal(t, 0, j.DurableFrames())

	opts := model.DefaultPutOptions()
	opts.ParentID = model.ID(id)
	_, err = s.Put(ctx, nil, opts)
	assert.True(t, fserr.IsValidation(err), "a provisional frame cannot be a parent")

	j.FailSync(nil)
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 1, j.DurableFrames())

	child, err := s.Put(ctx, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, model.FrameID(1), child)
}

func TestSQLiteJournal_ReplaysAfterFailedCommit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frames.db")
	s, err := Create(ctx, path, testOptions())
	require.NoError(t, err)

	j := s.journal.(*SQLiteJournal)
	j.mu.Lock()
	j.beforeCommit = func() error { return errors.New("injected") }
	j.mu.Unlock()

	id, err := s.Put(ctx, []byte("survives a failed commit"), model.DefaultPutOptions())
	require.Error(t, err)
	assert.True(t, fserr.IsCommitFailure(err))

	j.mu.Lock()
	j.beforeCommit = nil
	j.mu.Unlock()
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Close(ctx))

	s, err = Open(ctx, path, testOptions())
	require.NoError(t, err)
	defer s.Close(ctx)
	f, ok := s.GetFrame(id)
	require.True(t, ok)
	assert.Equal(t, "survives a failed commit", f.SearchText)
}

func TestClosedStoreRejectsPut(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close(context.Background()))

	_, err := s.Put(context.Background(), []byte("late"), model.DefaultPutOptions())
	assert.True(t, fserr.HasCode(err, fserr.CodeStoreClosed))
	assert.NoError(t, s.Close(context.Background()), "closing twice is a no-op")
}
