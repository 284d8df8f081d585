package enrich

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rcliao/framestore/internal/embedding"
	"github.com/rcliao/framestore/internal/hasher"
	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/nlp"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// scriptedExtractor wraps the heuristic extractor with injectable failures
// and an optional gate that holds Tags until released.
type scriptedExtractor struct {
	nlp.Extractor

	mu         sync.Mutex
	tagErrs    []error
	tagCalls   int
	datesErr   error
	datesPanic bool
	gate       chan struct{}
}

func (s *scriptedExtractor) Tags(ctx context.Context, text string) ([]string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.tagCalls++
	var err error
	if len(s.tagErrs) > 0 {
		err, s.tagErrs = s.tagErrs[0], s.tagErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Extractor.Tags(ctx, text)
}

func (s *scriptedExtractor) Dates(ctx context.Context, text string, ref time.Time) ([]model.DateRef, error) {
	if s.datesPanic {
		panic("calendar table out of range")
	}
	if s.datesErr != nil {
		return nil, s.datesErr
	}
	return s.Extractor.Dates(ctx, text, ref)
}

func (s *scriptedExtractor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagCalls
}

type fakeEmbedder struct{ err error }

func (e fakeEmbedder) Embed(context.Context, string) (embedding.Vector, error) {
	if e.err != nil {
		return nil, e.err
	}
	return embedding.Vector{1, 0}, nil
}

func (fakeEmbedder) Dims() int { return 2 }

var _ = Describe("Pipeline", func() {
	var (
		ctx       context.Context
		journal   *ledger.MemJournal
		l         *ledger.Ledger
		index     *softindex.Index
		extractor *scriptedExtractor
		embedder  embedding.Embedder
		workers   uint
		p         *Pipeline
	)

	opts := model.DefaultPutOptions().EnrichOptions()

	appendFrame := func(f *model.Frame, raw []byte) model.FrameID {
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		}
		if f.Role == "" {
			f.Role = model.RoleDocument
		}
		if f.State == "" {
			f.State = model.StatePending
		}
		if raw != nil {
			f.ContentHash = hasher.Sum(raw)
			f.ContentRef = f.ContentHash.String()
		}
		id, err := l.Append(ctx, f, raw)
		Expect(err).NotTo(HaveOccurred())
		n := l.Len()
		Expect(journal.Sync(ctx)).To(Succeed())
		l.MarkDurable(n)
		return id
	}

	frame := func(id model.FrameID) *model.Frame {
		f, ok := l.Get(id)
		Expect(ok).To(BeTrue())
		return f
	}

	start := func() {
		var err error
		p, err = New(&Config{
			Ledger:       l,
			Index:        index,
			Extractor:    extractor,
			Embedder:     embedder,
			NumWorkers:   workers,
			RetryBackoff: time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		journal = ledger.NewMemJournal()
		l = ledger.New(journal, nil)
		index = softindex.New(softindex.Weights{})
		extractor = &scriptedExtractor{Extractor: nlp.NewHeuristic()}
		embedder = nil
		workers = 0
	})

	AfterEach(func() {
		if p != nil {
			Expect(p.Close(ctx)).To(Succeed())
			p = nil
		}
	})

	It("requires a ledger", func() {
		_, err := New(&Config{})
		Expect(fserr.HasCode(err, fserr.CodeConfigValidateInvalid)).To(BeTrue())
	})

	Describe("convergence", func() {
		It("moves a frame to fully_enriched with derived tags, dates and triplets", func() {
			start()
			id := appendFrame(&model.Frame{
				SearchText: "Alice works at Acme Corp. ship date 2026-03-04 #golang",
				Enrich:     opts,
			}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.State).To(Equal(model.StateFullyEnriched))
			Expect(f.Tags).To(ContainElement("golang"))
			Expect(f.DerivedTags).To(ContainElement("golang"))
			Expect(f.Revision).To(Equal(uint64(1)))

			dates, ok := f.Metadata.Get("dates")
			Expect(ok).To(BeTrue())
			Expect(dates.Items()).To(HaveLen(1))
			d, _ := dates.Items()[0].Get("date")
			ds, _ := d.AsString()
			Expect(ds).To(Equal("2026-03-04"))

			Expect(l.Triplets(id)).To(ConsistOf(model.Triplet{
				FrameID: id, Subject: "Alice", Predicate: "works at", Object: "Acme Corp",
			}))
			Expect(slices.Collect(index.Query("golang"))).To(Equal([]model.FrameID{id}))
		})

		It("extracts text from raw HTML content and fills a missing title", func() {
			start()
			raw := []byte(`<html><head><title>Runbook</title><script>x()</script></head>` +
				`<body><p>Rotate the keys</p><p>every quarter</p></body></html>`)
			id := appendFrame(&model.Frame{Enrich: opts}, raw)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.State).To(Equal(model.StateFullyEnriched))
			Expect(f.Title).To(Equal("Runbook"))
			Expect(f.ExtractedText).To(Equal("Rotate the keys\nevery quarter"))
			ex, ok := f.Metadata.Get("extraction")
			Expect(ok).To(BeTrue())
			mime, _ := ex.Get("mime")
			ms, _ := mime.AsString()
			Expect(ms).To(Equal("text/html"))

			chunks, err := l.Chunks(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(chunks).To(HaveLen(1))
			Expect(slices.Collect(index.Query("quarter"))).To(Equal([]model.FrameID{id}))
		})

		It("keeps the caller's title over the extracted one", func() {
			start()
			raw := []byte("---\ntitle: From file\ntags: [Ops]\n---\nbody text")
			id := appendFrame(&model.Frame{Title: "Mine", SourcePath: "notes.md", Enrich: opts}, raw)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.Title).To(Equal("Mine"))
			Expect(f.Tags).To(ContainElement("ops"))
			Expect(f.ExtractedText).To(Equal("body text"))
		})

		It("skips frames that are already terminal", func() {
			start()
			id := appendFrame(&model.Frame{SearchText: "done", Enrich: opts}, nil)
			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(frame(id).Revision).To(Equal(uint64(1)))
		})

		It("does not chunk non-document frames", func() {
			start()
			id := appendFrame(&model.Frame{Role: model.RoleExtractedImage, SearchText: "a caption", Enrich: opts}, nil)
			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			chunks, err := l.Chunks(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(chunks).To(BeEmpty())
		})
	})

	Describe("failures", func() {
		It("retries transient step errors", func() {
			transient := fserr.New(fserr.CodeEnrichStepTransient, "busy")
			extractor.tagErrs = []error{transient, transient}
			start()
			id := appendFrame(&model.Frame{SearchText: "retry me #later", Enrich: opts}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			Expect(extractor.calls()).To(Equal(3))
			Expect(frame(id).State).To(Equal(model.StateFullyEnriched))
		})

		It("fails the frame when retries run out", func() {
			transient := fserr.New(fserr.CodeEnrichStepTransient, "busy")
			extractor.tagErrs = []error{transient, transient, transient, transient, transient}
			start()
			id := appendFrame(&model.Frame{SearchText: "never works", Enrich: opts}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(extractor.calls()).To(Equal(4))
			Expect(f.State).To(Equal(model.StateEnrichmentFailed))
			Expect(f.StateReason).To(HavePrefix(StepAutoTag + ": "))
		})

		It("records a failed step and stays queryable by its soft fields", func() {
			extractor.datesErr = fserr.New(fserr.CodeEnrichStepFailure, "calendar offline")
			start()
			id := appendFrame(&model.Frame{SearchText: "standup notes", Title: "Standup", Enrich: opts}, nil)
			index.Index(softindex.FrameDoc(frame(id)))

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.State).To(Equal(model.StateEnrichmentFailed))
			Expect(f.StateReason).To(ContainSubstring("calendar offline"))
			Expect(slices.Collect(index.Query("standup"))).To(Equal([]model.FrameID{id}))
		})

		It("fails the frame when an extractor panics and keeps the worker alive", func() {
			extractor.datesPanic = true
			workers = 1
			start()
			id := appendFrame(&model.Frame{SearchText: "Dana manages ops", Enrich: opts}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.State).To(Equal(model.StateEnrichmentFailed))
			Expect(f.StateReason).To(ContainSubstring("recovered panic"))

			noDates := opts
			noDates.ExtractDates = false
			next := appendFrame(&model.Frame{SearchText: "still running", Enrich: noDates}, nil)
			Expect(p.Enqueue(next)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(frame(next).State).To(Equal(model.StateFullyEnriched))
		})

		It("requeues a frame whose result could not be staged until the medium recovers", func() {
			extractor.gate = make(chan struct{})
			start()
			id := appendFrame(&model.Frame{SearchText: "Erin owns billing", Enrich: opts}, nil)
			Expect(p.Enqueue(id)).To(BeTrue())
			Eventually(func() bool { return l.InProgress(id) }).Should(BeTrue())

			journal.FailStage(fserr.New(fserr.CodeStoreMediumIOFailure, "disk unplugged"))
			close(extractor.gate)
			Eventually(journal.RejectedStages).Should(BeNumerically(">=", 2))

			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			Expect(p.Wait(waitCtx)).To(MatchError(context.DeadlineExceeded), "a requeued frame keeps the pipeline busy")
			Expect(frame(id).State).To(Equal(model.StatePending))

			journal.FailStage(nil)
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(frame(id).State).To(Equal(model.StateFullyEnriched))
			Expect(l.Triplets(id)).To(HaveLen(1))
			Expect(l.Pending()).To(BeEmpty())
		})

		It("still fully enriches when the embedding fails", func() {
			embedder = fakeEmbedder{err: fserr.New(fserr.CodeEmbeddingUpstream, "bad request")}
			start()
			withEmbedding := opts
			withEmbedding.EnableEmbedding = true
			id := appendFrame(&model.Frame{SearchText: "vector please", Enrich: withEmbedding}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())

			f := frame(id)
			Expect(f.State).To(Equal(model.StateFullyEnriched))
			Expect(f.Embedding).To(BeNil())
		})

		It("stores the embedding when the provider answers", func() {
			embedder = fakeEmbedder{}
			start()
			withEmbedding := opts
			withEmbedding.EnableEmbedding = true
			id := appendFrame(&model.Frame{SearchText: "vector please", Enrich: withEmbedding}, nil)

			Expect(p.Enqueue(id)).To(BeTrue())
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(frame(id).Embedding).To(Equal([]float32{1, 0}))
		})
	})

	Describe("queue", func() {
		It("does not queue an id twice while it waits", func() {
			extractor.gate = make(chan struct{})
			workers = 1
			start()
			busy := appendFrame(&model.Frame{SearchText: "first", Enrich: opts}, nil)
			waiting := appendFrame(&model.Frame{SearchText: "second", Enrich: opts}, nil)

			Expect(p.Enqueue(busy)).To(BeTrue())
			Eventually(func() bool { return l.InProgress(busy) }).Should(BeTrue())

			Expect(p.Enqueue(waiting)).To(BeTrue())
			Expect(p.Enqueue(waiting)).To(BeTrue())
			Expect(p.Depth()).To(Equal(1))

			close(extractor.gate)
			Expect(p.Wait(ctx)).To(Succeed())
			Expect(frame(busy).State).To(Equal(model.StateFullyEnriched))
			Expect(frame(waiting).State).To(Equal(model.StateFullyEnriched))
		})

		It("drains on Close and refuses new work afterwards", func() {
			start()
			var ids []model.FrameID
			for i := range 10 {
				ids = append(ids, appendFrame(&model.Frame{
					SearchText: strings.Repeat("word ", i+1),
					Enrich:     opts,
				}, nil))
			}
			for _, id := range ids {
				Expect(p.Enqueue(id)).To(BeTrue())
			}
			Expect(p.Close(ctx)).To(Succeed())
			Expect(p.Enqueue(ids[0])).To(BeFalse())
			p = nil

			Expect(l.Pending()).To(BeEmpty())
			for _, id := range ids {
				Expect(frame(id).State).To(Equal(model.StateFullyEnriched))
			}
		})

		It("leaves unprocessed frames pending when Close times out", func() {
			extractor.gate = make(chan struct{})
			start()
			for range 5 {
				id := appendFrame(&model.Frame{SearchText: "slow", Enrich: opts}, nil)
				Expect(p.Enqueue(id)).To(BeTrue())
			}

			closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			Expect(p.Close(closeCtx)).To(MatchError(context.DeadlineExceeded))
			p = nil

			Expect(l.Pending()).To(HaveLen(5))
		})

		It("returns from Wait when the context ends", func() {
			extractor.gate = make(chan struct{})
			start()
			id := appendFrame(&model.Frame{SearchText: "held", Enrich: opts}, nil)
			Expect(p.Enqueue(id)).To(BeTrue())

			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			Expect(p.Wait(waitCtx)).To(MatchError(context.DeadlineExceeded))
			close(extractor.gate)
			Expect(p.Wait(ctx)).To(Succeed())
		})
	})
})
