// Package enrich provides the asynchronous enrichment pipeline: a worker
// pool that takes frame ids off an unbounded queue, claims each frame on the
// ledger, derives text, tags, dates, triplets and embeddings from it and
// publishes the result back to the ledger and the soft index.
//
// The pool decouples enrichment from ingestion so that Put never waits on
// extraction or model calls.
package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/framestore/internal/chunker"
	"github.com/rcliao/framestore/internal/embedding"
	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/nlp"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

var (
	defaultNumWorkers   uint = 3
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 200 * time.Millisecond
	maxRequeueShift          = 6
)

// Config is the configuration for the enrichment pipeline.
type Config struct {
	// Ledger holds the frames being enriched.
	Ledger *ledger.Ledger

	// Index is upgraded with derived text once a frame is enriched.
	Index *softindex.Index

	// Extractor derives tags, dates and triplets. Defaults to the
	// heuristic extractor.
	Extractor nlp.Extractor

	// Embedder generates optional embeddings. Frames asking for one are
	// still fully enriched when it is nil.
	Embedder embedding.Embedder

	// Chunking configures how document text is split.
	Chunking chunker.Options

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// MaxRetries bounds retries of a step failing with a transient error
	// or a medium I/O failure. Zero means the default; negative disables
	// retries. A publish that still fails is requeued with a growing delay.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// Pipeline processes enrichment tasks with a fixed set of workers.
type Pipeline struct {
	config *Config
	logger *slog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.FrameID
	queued map[model.FrameID]bool
	active int
	// delayed counts requeues waiting on a timer; they keep the pipeline busy.
	delayed  int
	requeues map[model.FrameID]int
	closed   bool
	idle     chan struct{} // closed while nothing is queued or running
}

// New creates a pipeline and starts its workers.
func New(c *Config) (*Pipeline, error) {
	if c.Ledger == nil {
		return nil, fserr.New(fserr.CodeConfigValidateInvalid, "enrichment pipeline needs a ledger")
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.Extractor == nil {
		c.Extractor = nlp.NewHeuristic()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		config:   c,
		logger:   c.Logger,
		runCtx:   ctx,
		cancel:   cancel,
		queued:   make(map[model.FrameID]bool),
		requeues: make(map[model.FrameID]int),
		idle:     make(chan struct{}),
	}
	close(p.idle)
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go p.worker(i)
	}
	return p, nil
}

// Enqueue schedules id for enrichment. It never blocks. An id already
// waiting in the queue is not added twice. Returns false once the pipeline
// is closed.
func (p *Pipeline) Enqueue(id model.FrameID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.Warn("enrichment not queued, pipeline closed", "frame_id", id)
		return false
	}
	if p.queued[id] {
		return true
	}
	p.queue = append(p.queue, id)
	p.queued[id] = true
	p.markBusyLocked()
	p.cond.Signal()
	p.logger.Debug("enrichment queued", "frame_id", id, "depth", len(p.queue))
	return true
}

// Depth is the number of frames waiting for a worker.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Wait blocks until the queue is empty and no frame is being processed, or
// until ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.idleLocked() {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops intake and lets the workers drain the queue. If ctx ends
// first, in-flight steps are cancelled and unprocessed frames are left in
// their current state for a later resume.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("enrichment pipeline closed before draining", "error", ctx.Err())
		return ctx.Err()
	}
}

func (p *Pipeline) markBusyLocked() {
	select {
	case <-p.idle:
		p.idle = make(chan struct{})
	default:
	}
}

func (p *Pipeline) next() (model.FrameID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return 0, false
	}
	id := p.queue[0]
	p.queue[0] = 0
	p.queue = p.queue[1:]
	delete(p.queued, id)
	p.active++
	return id, true
}

func (p *Pipeline) done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	if p.idleLocked() {
		close(p.idle)
	}
}

func (p *Pipeline) idleLocked() bool {
	return p.active == 0 && p.delayed == 0 && len(p.queue) == 0
}

// deferRetry puts id back on the queue after a delay that doubles with each
// consecutive requeue. Nothing is scheduled once the pipeline is closed; the
// frame stays non-terminal and is resumed on the next open.
func (p *Pipeline) deferRetry(id model.FrameID) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := min(p.requeues[id], maxRequeueShift)
	p.requeues[id]++
	wait := p.config.RetryBackoff << n
	if p.closed {
		return wait
	}
	p.delayed++
	p.markBusyLocked()

	time.AfterFunc(wait, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.delayed--
		if !p.closed && !p.queued[id] {
			p.queue = append(p.queue, id)
			p.queued[id] = true
			p.cond.Signal()
		}
		if p.idleLocked() {
			close(p.idle)
		}
	})
	return wait
}

func (p *Pipeline) publishedOK(id model.FrameID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requeues, id)
}

// worker is the inner worker loop that pulls frame ids off the queue until
// the pipeline is closed and drained.
func (p *Pipeline) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("enrichment worker started", "worker_id", id)

	for {
		frameID, ok := p.next()
		if !ok {
			break
		}
		p.process(p.runCtx, id, frameID)
		p.done()
	}

	p.logger.Debug("enrichment worker stopped", "worker_id", id)
}

// retry runs fn, retrying transient and medium I/O failures with linear
// backoff.
func (p *Pipeline) retry(ctx context.Context, frameID model.FrameID, step string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		retryable := fserr.IsTransient(err) || fserr.IsIOFailure(err)
		if err == nil || !retryable || attempt >= p.config.MaxRetries {
			return err
		}
		wait := p.config.RetryBackoff * time.Duration(attempt+1)
		p.logger.Debug("retrying enrichment step",
			"frame_id", frameID, "step", step, "attempt", attempt+1, "backoff", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
