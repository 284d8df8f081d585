package store

import (
	"context"
	"maps"
	"os"
	"strings"

	"github.com/rcliao/framestore/internal/enrich"
	"github.com/rcliao/framestore/internal/hasher"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/softindex"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// inlineTextLimit caps plain text content that doubles as search text at
// ingest. Larger text waits for extraction.
const inlineTextLimit = 64 << 10

// Put ingests one frame: it appends the frame to the timeline, registers
// its digest, makes it searchable when InstantIndex is set, schedules
// enrichment and commits.
//
// With Dedup set, content already on the timeline returns the existing id
// and changes nothing. Nil content with a SourcePath reads the file. A
// CommitFailure still carries the new frame id; the
// frame is provisional until a later Commit succeeds.
func (s *Store) Put(ctx context.Context, content []byte, opts model.PutOptions) (model.FrameID, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(content) == 0 && opts.SourcePath != "" {
		b, err := os.ReadFile(opts.SourcePath)
		if err != nil {
			return 0, fserr.Wrap(err, fserr.CodeStorePutInvalid, "read source path", fserr.FieldPath(opts.SourcePath))
		}
		content = b
	}
	draft, err := s.draft(ctx, content, opts)
	if err != nil {
		return 0, err
	}
	raw := content
	if opts.NoRaw || len(content) == 0 {
		raw = nil
	}

	s.appendMu.Lock()
	if draft.ParentID != nil && !s.ledger.IsDurable(*draft.ParentID) {
		s.appendMu.Unlock()
		return 0, fserr.New(fserr.CodeStorePutInvalid, "parent frame does not exist or is not durable",
			fserr.Field("parent_id", *draft.ParentID))
	}
	if opts.Dedup {
		if id, ok := s.dedup.Lookup(draft.ContentHash); ok {
			s.appendMu.Unlock()
			s.logger.Debug("duplicate content", "frame_id", id, "digest", draft.ContentHash.Short())
			return id, nil
		}
	}
	id, err := s.ledger.Append(ctx, draft, raw)
	if err != nil {
		s.appendMu.Unlock()
		return 0, err
	}
	s.dedup.Register(draft.ContentHash, id)
	if draft.Enrich.InstantIndex {
		draft.ID = id
		s.index.Index(softindex.FrameDoc(draft))
	}
	s.appendMu.Unlock()

	s.pipeline.Enqueue(id)
	s.logger.Debug("frame appended",
		"frame_id", id,
		"digest", draft.ContentHash.Short(),
		"role", draft.Role,
		"bytes", len(content),
	)

	if err := s.Commit(ctx); err != nil {
		return id, fserr.Wrap(err, fserr.CodeStoreCommitFailure, "frame is provisional",
			fserr.FieldFrameID(uint64(id)))
	}
	return id, nil
}

// draft validates opts and builds the frame record to append.
func (s *Store) draft(ctx context.Context, content []byte, opts model.PutOptions) (*model.Frame, error) {
	role := opts.Role
	if role == "" {
		role = model.RoleDocument
	}
	if !model.ValidRoles[role] {
		return nil, fserr.New(fserr.CodeStorePutInvalid, "unknown frame role", fserr.Field("role", role))
	}
	enrichOpts := opts.EnrichOptions()
	if enrichOpts.ExtractionBudgetMS < 0 {
		return nil, fserr.New(fserr.CodeStorePutInvalid, "extraction budget must not be negative",
			fserr.Field("extraction_budget_ms", enrichOpts.ExtractionBudgetMS))
	}
	if k := opts.Metadata.Kind(); k != model.KindNull && k != model.KindObject {
		return nil, fserr.New(fserr.CodeStorePutInvalid, "metadata must be an object", fserr.Field("kind", k.String()))
	}

	now := s.now().UTC()
	ts := now
	if opts.Timestamp != nil {
		ts = opts.Timestamp.UTC()
	}
	f := &model.Frame{
		Timestamp:  ts,
		Role:       role,
		Track:      strings.TrimSpace(opts.Track),
		Kind:       strings.TrimSpace(opts.Kind),
		Title:      strings.TrimSpace(opts.Title),
		URI:        opts.URI,
		Tags:       model.NormalizeSet(opts.Tags),
		Labels:     model.NormalizeSet(opts.Labels),
		Metadata:   opts.Metadata.Clone(),
		SearchText: opts.SearchText,
		SourcePath: opts.SourcePath,
		State:      model.StatePending,
		Enrich:     enrichOpts,
		CreatedAt:  now,
	}
	if opts.ParentID != nil {
		f.ParentID = model.ID(*opts.ParentID)
	}
	if len(opts.ExtraMetadata) > 0 {
		f.Extra = maps.Clone(opts.ExtraMetadata)
	}
	if enrichOpts.InstantIndex {
		f.State = model.StateSoftIndexed
	}

	hint := opts.SourcePath
	if hint == "" {
		hint = opts.URI
	}
	switch {
	case len(content) > 0:
		f.ContentHash = hasher.Sum(content)
		if !opts.NoRaw {
			f.ContentRef = f.ContentHash.String()
		}
		if f.SearchText != "" {
			break
		}
		if len(content) <= inlineTextLimit && enrich.IsPlainText(content, hint) {
			f.SearchText = string(content)
		} else if opts.NoRaw {
			// Nothing to extract from later, so keep the text now.
			ex := enrich.Extract(ctx, content, f.Enrich.Budget(), hint)
			f.ExtractedText = ex.Text
		}
	case f.SearchText != "":
		f.ContentHash = hasher.SumString(f.SearchText)
	}
	return f, nil
}
