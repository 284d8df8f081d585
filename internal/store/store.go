// Package store is the frame store: it coordinates the timeline ledger, the
// dedup and soft indices and the enrichment pipeline behind one handle
// persisted in a SQLite file.
package store

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcliao/framestore/internal/chunker"
	"github.com/rcliao/framestore/internal/dedup"
	"github.com/rcliao/framestore/internal/embedding"
	"github.com/rcliao/framestore/internal/enrich"
	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/nlp"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Options configures a store handle.
type Options struct {
	Logger *slog.Logger

	// Embedder is used for frames put with EnableEmbedding. Nil disables
	// embeddings.
	Embedder embedding.Embedder
	// Extractor defaults to the heuristic extractor.
	Extractor nlp.Extractor

	Weights  softindex.Weights
	Chunking chunker.Options

	Workers      uint
	MaxRetries   int
	RetryBackoff time.Duration

	// SkipResume leaves unfinished enrichment alone on Open.
	SkipResume bool

	// Now is the clock used for default timestamps.
	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	id      string
	path    string
	journal ledger.Journal
	logger  *slog.Logger
	now     func() time.Time

	ledger   *ledger.Ledger
	dedup    *dedup.Index
	index    *softindex.Index
	pipeline *enrich.Pipeline
	embedder embedding.Embedder

	appendMu sync.Mutex // the ingest serialization point
	commitMu sync.Mutex
	closed   atomic.Bool
}

// Create initializes a new store at path. It fails with AlreadyExists when
// something is already there.
func Create(ctx context.Context, path string, opts Options) (*Store, error) {
	j, id, err := CreateSQLiteJournal(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := newStore(ctx, j, id, path, opts)
	if err != nil {
		j.Close()
		return nil, err
	}
	s.logger.Info("store created", "path", path, "store_id", id)
	return s, nil
}

// Open loads an existing store, rebuilding the dedup and soft indices from
// the ledger and resuming unfinished enrichment.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	j, id, err := OpenSQLiteJournal(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := newStore(ctx, j, id, path, opts)
	if err != nil {
		j.Close()
		return nil, err
	}
	s.logger.Info("store opened", "path", path, "store_id", id, "frames", s.ledger.Len())
	return s, nil
}

func newStore(ctx context.Context, j ledger.Journal, id, path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		id:       id,
		path:     path,
		journal:  j,
		logger:   logger,
		now:      now,
		ledger:   ledger.New(j, logger.With("component", "ledger")),
		dedup:    dedup.New(),
		index:    softindex.New(opts.Weights),
		embedder: opts.Embedder,
	}
	if err := s.ledger.Load(ctx); err != nil {
		return nil, err
	}
	s.ledger.Scan(func(f *model.Frame) bool {
		s.dedup.Register(f.ContentHash, f.ID)
		if indexable(f) {
			s.index.Index(softindex.FrameDoc(f))
		}
		return true
	})

	p, err := enrich.New(&enrich.Config{
		Ledger:       s.ledger,
		Index:        s.index,
		Extractor:    opts.Extractor,
		Embedder:     opts.Embedder,
		Chunking:     opts.Chunking,
		NumWorkers:   opts.Workers,
		MaxRetries:   opts.MaxRetries,
		RetryBackoff: opts.RetryBackoff,
		Logger:       logger.With("component", "enrich"),
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = p

	if !opts.SkipResume {
		s.Resume()
	}
	return s, nil
}

// indexable reports whether f belongs in the soft index: immediately when
// instant indexing was requested, otherwise once enrichment is done.
func indexable(f *model.Frame) bool {
	return f.Enrich.InstantIndex || f.State.Terminal()
}

// ID returns the store identity generated at creation.
func (s *Store) ID() string { return s.id }

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// Commit is the durability barrier: everything staged since the previous
// successful commit becomes durable, or nothing does and the staged work is
// retried by the next commit.
func (s *Store) Commit(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	n := s.ledger.Len()
	if err := s.journal.Sync(ctx); err != nil {
		return fserr.Wrap(err, fserr.CodeStoreCommitFailure, "commit",
			fserr.Field("provisional_frames", n-s.ledger.Durable()))
	}
	s.ledger.MarkDurable(n)
	return nil
}

// GetFrame returns a copy of frame id.
func (s *Store) GetFrame(id model.FrameID) (*model.Frame, bool) {
	return s.ledger.Get(id)
}

// Searchable reports whether frame id is in the soft index.
func (s *Store) Searchable(id model.FrameID) bool {
	return s.index.Has(id)
}

// Enriching reports whether an enrichment task currently holds frame id.
func (s *Store) Enriching(id model.FrameID) bool {
	return s.ledger.InProgress(id)
}

// Query returns the soft-indexed frames matching any of terms, best first.
func (s *Store) Query(terms ...string) iter.Seq[model.FrameID] {
	return s.index.Query(terms...)
}

// Len returns the number of frames on the timeline.
func (s *Store) Len() int {
	return s.ledger.Len()
}

// Content returns the raw bytes of frame id, or nil when it was put without
// retained content.
func (s *Store) Content(ctx context.Context, id model.FrameID) ([]byte, error) {
	return s.ledger.Content(ctx, id)
}

// Chunks returns the chunks enrichment produced for frame id.
func (s *Store) Chunks(ctx context.Context, id model.FrameID) ([]model.Chunk, error) {
	return s.ledger.Chunks(ctx, id)
}

// Resume queues every frame whose enrichment has not finished. It returns
// the number of frames queued.
func (s *Store) Resume() int {
	ids := s.ledger.Pending()
	for _, id := range ids {
		s.pipeline.Enqueue(id)
	}
	if len(ids) > 0 {
		s.logger.Info("resuming enrichment", "frames", len(ids))
	}
	return len(ids)
}

// WaitEnrichment blocks until the enrichment queue is idle.
func (s *Store) WaitEnrichment(ctx context.Context) error {
	return s.pipeline.Wait(ctx)
}

// Close stops intake, lets enrichment drain until ctx ends, commits what was
// produced and closes the medium. Frames whose enrichment did not finish are
// resumed on the next Open.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	drainErr := s.pipeline.Close(ctx)
	if drainErr != nil {
		s.logger.Warn("enrichment left unfinished", "pending", len(s.ledger.Pending()))
	}

	commitErr := s.Commit(context.WithoutCancel(ctx))
	closeErr := s.journal.Close()
	if commitErr != nil {
		return commitErr
	}
	if closeErr != nil {
		return fserr.Wrap(closeErr, fserr.CodeStoreMediumIOFailure, "close store", fserr.FieldPath(s.path))
	}
	s.logger.Debug("store closed", "path", s.path)
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return fserr.New(fserr.CodeStoreClosed, "store is closed", fserr.FieldPath(s.path))
	}
	return nil
}
