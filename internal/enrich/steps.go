package enrich

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rcliao/framestore/internal/chunker"
	"github.com/rcliao/framestore/internal/ledger"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Step names, used in failure reasons and log attributes.
const (
	StepExtract   = "extract"
	StepChunk     = "chunk"
	StepAutoTag   = "auto_tag"
	StepDates     = "dates"
	StepTriplets  = "triplets"
	StepEmbedding = "embedding"
	StepPublish   = "publish"
)

// result is what a run of the steps produced for one frame.
type result struct {
	patch    ledger.Patch
	triplets []model.Triplet
	// tripletsSet distinguishes "extracted none" from "not extracted".
	tripletsSet bool
}

func (r *result) fail(step string, err error) *result {
	r.patch.State = model.StateEnrichmentFailed
	r.patch.Reason = step + ": " + err.Error()
	return r
}

// process claims one frame, runs the steps and publishes the outcome.
func (p *Pipeline) process(ctx context.Context, workerID uint, id model.FrameID) {
	if ctx.Err() != nil {
		return
	}
	l := p.config.Ledger

	f, claim, err := l.BeginEnrichment(id)
	if err != nil {
		if fserr.IsConflict(err) || fserr.IsNotFound(err) {
			p.logger.Debug("enrichment skipped", "frame_id", id, "worker_id", workerID, "reason", err)
			return
		}
		p.logger.Error("enrichment claim failed", "frame_id", id, "worker_id", workerID, "error", err)
		return
	}
	defer l.ReleaseEnrichment(claim)

	start := time.Now()
	res := p.runGuarded(ctx, f)
	if ctx.Err() != nil {
		p.logger.Debug("enrichment abandoned", "frame_id", id, "worker_id", workerID)
		return
	}

	if res.tripletsSet {
		if err := l.PutTriplets(ctx, claim, res.triplets); err != nil {
			p.logger.Warn("storing triplets failed", "frame_id", id, "step", StepTriplets, "error", err)
		}
	}

	var updated *model.Frame
	err = p.retry(ctx, id, StepPublish, func(ctx context.Context) (err error) {
		updated, err = l.UpdateEnrichment(ctx, claim, res.patch)
		return err
	})
	if err != nil {
		if fserr.IsStale(err) {
			p.logger.Debug("enrichment result discarded", "frame_id", id, "error", err)
			return
		}
		if fserr.IsIOFailure(err) {
			l.ReleaseEnrichment(claim)
			wait := p.deferRetry(id)
			p.logger.Warn("publishing enrichment failed, requeued",
				"frame_id", id, "worker_id", workerID, "step", StepPublish, "backoff", wait, "error", err)
			return
		}
		p.logger.Error("publishing enrichment failed", "frame_id", id, "worker_id", workerID, "error", err)
		return
	}
	p.publishedOK(id)
	if p.config.Index != nil {
		p.config.Index.Index(softindex.FrameDoc(updated))
	}

	p.logger.Info("frame enriched",
		"frame_id", id,
		"worker_id", workerID,
		"state", updated.State,
		"elapsed", time.Since(start),
	)
	if updated.State == model.StateEnrichmentFailed {
		p.logger.Warn("enrichment failed", "frame_id", id, "reason", updated.StateReason)
	}
}

// runGuarded runs the steps and turns a panic in any of them, including a
// caller-supplied Extractor or Embedder, into a failed frame.
func (p *Pipeline) runGuarded(ctx context.Context, f *model.Frame) (res *result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("enrichment step panicked", "frame_id", f.ID, "panic", r, "stack", string(debug.Stack()))
			res = (&result{patch: ledger.Patch{}}).fail("enrich",
				fserr.Errorf(fserr.CodeEnrichStepFailure, "recovered panic: %v", r))
		}
	}()
	return p.run(ctx, f)
}

// run executes the enabled steps in order. Failures in extraction, tagging
// and date extraction fail the frame; triplet and embedding failures are
// logged and skipped.
func (p *Pipeline) run(ctx context.Context, f *model.Frame) *result {
	res := &result{patch: ledger.Patch{
		State:    model.StateFullyEnriched,
		Metadata: make(map[string]model.Value),
	}}
	text := f.Text()
	var derived []string

	if f.SearchText == "" && !f.Enrich.NoRaw && f.ContentRef != "" {
		var ex Extraction
		err := p.retry(ctx, f.ID, StepExtract, func(ctx context.Context) error {
			raw, err := p.config.Ledger.Content(ctx, f.ID)
			if err != nil {
				return err
			}
			ex = Extract(ctx, raw, f.Enrich.Budget(), nameHint(f))
			return nil
		})
		if err != nil {
			return res.fail(StepExtract, err)
		}
		res.patch.ExtractedText = ex.Text
		res.patch.Title = ex.Title
		res.patch.Metadata["extraction"] = ex.Report()
		if !ex.FrontMatter.IsNull() {
			res.patch.Metadata["front_matter"] = ex.FrontMatter
		}
		derived = append(derived, ex.Tags...)
		text = ex.Text
		if ex.Truncated {
			p.logger.Debug("extraction truncated by budget", "frame_id", f.ID, "budget", f.Enrich.Budget())
		}
	}

	if f.Role == model.RoleDocument && text != "" {
		res.patch.Chunks = chunker.Split(text, p.config.Chunking)
	}

	if f.Enrich.AutoTag && text != "" {
		var tags []string
		err := p.retry(ctx, f.ID, StepAutoTag, func(ctx context.Context) (err error) {
			tags, err = p.config.Extractor.Tags(ctx, text)
			return err
		})
		if err != nil {
			return res.fail(StepAutoTag, err)
		}
		derived = append(derived, tags...)
	}
	res.patch.DerivedTags = model.NormalizeSet(derived)

	if f.Enrich.ExtractDates && text != "" {
		var dates []model.DateRef
		err := p.retry(ctx, f.ID, StepDates, func(ctx context.Context) (err error) {
			dates, err = p.config.Extractor.Dates(ctx, text, f.Timestamp)
			return err
		})
		if err != nil {
			return res.fail(StepDates, err)
		}
		if len(dates) > 0 {
			res.patch.Metadata["dates"] = dateValues(dates)
		}
	}

	if f.Enrich.ExtractTriplets && text != "" {
		var triplets []model.Triplet
		err := p.retry(ctx, f.ID, StepTriplets, func(ctx context.Context) (err error) {
			triplets, err = p.config.Extractor.Triplets(ctx, text)
			return err
		})
		if err != nil {
			p.logger.Warn("triplet extraction failed", "frame_id", f.ID, "step", StepTriplets, "error", err)
		} else {
			res.triplets = triplets
			res.tripletsSet = true
		}
	}

	if f.Enrich.EnableEmbedding && p.config.Embedder != nil {
		input := text
		if input == "" {
			input = f.Title
		}
		if input != "" {
			err := p.retry(ctx, f.ID, StepEmbedding, func(ctx context.Context) error {
				vec, err := p.config.Embedder.Embed(ctx, input)
				if err != nil {
					return err
				}
				res.patch.Embedding = vec
				return nil
			})
			if err != nil {
				p.logger.Warn("embedding failed", "frame_id", f.ID, "step", StepEmbedding, "error", err)
			}
		}
	}

	return res
}

func nameHint(f *model.Frame) string {
	if f.SourcePath != "" {
		return f.SourcePath
	}
	return f.URI
}

func dateValues(dates []model.DateRef) model.Value {
	items := make([]model.Value, len(dates))
	for i, d := range dates {
		items[i] = model.Object(map[string]model.Value{
			"text": model.String(d.Text),
			"date": model.String(d.Date),
		})
	}
	return model.Array(items...)
}
