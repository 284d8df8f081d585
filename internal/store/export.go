package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rcliao/framestore/internal/model"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

// Export record types.
const (
	RecordFrame = "frame"
	RecordLink  = "link"
)

// ExportRecord is one JSON line of an export.
type ExportRecord struct {
	Type    string       `json:"type"`
	Frame   *model.Frame `json:"frame,omitempty"`
	Content []byte       `json:"content,omitempty"`
	Link    *model.Link  `json:"link,omitempty"`
}

// ExportParams holds parameters for an export.
type ExportParams struct {
	Track string
	// WithContent embeds raw content (base64) in frame records.
	WithContent bool
}

// ImportResult counts what an import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Links    int `json:"links"`
}

// Export writes frames in id order as JSON lines, followed by the links
// between exported frames. It returns the number of frames written.
func (s *Store) Export(ctx context.Context, w io.Writer, p ExportParams) (int, error) {
	enc := json.NewEncoder(w)
	exported := map[model.FrameID]bool{}
	var (
		order   []model.FrameID
		scanErr error
	)

	s.ledger.Scan(func(f *model.Frame) bool {
		if scanErr = ctx.Err(); scanErr != nil {
			return false
		}
		if p.Track != "" && f.Track != p.Track {
			return true
		}
		rec := ExportRecord{Type: RecordFrame, Frame: f}
		if p.WithContent && f.ContentRef != "" {
			rec.Content, scanErr = s.ledger.Content(ctx, f.ID)
			if scanErr != nil {
				return false
			}
		}
		if scanErr = enc.Encode(rec); scanErr != nil {
			return false
		}
		exported[f.ID] = true
		order = append(order, f.ID)
		return true
	})
	if scanErr != nil {
		return len(exported), scanErr
	}

	seen := map[model.Link]bool{}
	for _, id := range order {
		for _, l := range s.ledger.Links(id) {
			if seen[l] || !exported[l.From] || !exported[l.To] {
				continue
			}
			seen[l] = true
			if err := enc.Encode(ExportRecord{Type: RecordLink, Link: &l}); err != nil {
				return len(exported), err
			}
		}
	}
	return len(exported), nil
}

// Import re-puts exported frames with dedup enabled, so importing the same
// export twice adds nothing. Parent ids and links are remapped to the ids
// frames receive in this store.
func (s *Store) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	ids := map[model.FrameID]model.FrameID{}
	dec := json.NewDecoder(r)

	for {
		var rec ExportRecord
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return res, fserr.Wrap(err, fserr.CodeStorePutInvalid, "decode import record")
		}

		switch rec.Type {
		case RecordFrame:
			if rec.Frame == nil {
				return res, fserr.New(fserr.CodeStorePutInvalid, "frame record without frame")
			}
			before := s.Len()
			id, err := s.Put(ctx, rec.Content, importOptions(rec, ids))
			if err != nil {
				return res, err
			}
			ids[rec.Frame.ID] = id
			if int(id) < before {
				res.Skipped++
			} else {
				res.Imported++
			}
		case RecordLink:
			if rec.Link == nil {
				return res, fserr.New(fserr.CodeStorePutInvalid, "link record without link")
			}
			from, okFrom := ids[rec.Link.From]
			to, okTo := ids[rec.Link.To]
			if !okFrom || !okTo {
				continue
			}
			if _, err := s.Link(ctx, LinkParams{From: from, To: to, Rel: rec.Link.Rel}); err != nil {
				return res, err
			}
			res.Links++
		default:
			return res, fserr.New(fserr.CodeStorePutInvalid, "unknown import record type", fserr.Field("type", rec.Type))
		}
	}
	s.logger.Info("import finished", "imported", res.Imported, "skipped", res.Skipped, "links", res.Links)
	return res, nil
}

func importOptions(rec ExportRecord, ids map[model.FrameID]model.FrameID) model.PutOptions {
	f := rec.Frame
	ts := f.Timestamp
	opts := model.PutOptions{
		Timestamp:          &ts,
		Track:              f.Track,
		Kind:               f.Kind,
		URI:                f.URI,
		Title:              f.Title,
		Metadata:           f.Metadata,
		SearchText:         f.SearchText,
		Tags:               f.Tags,
		Labels:             f.Labels,
		ExtraMetadata:      f.Extra,
		EnableEmbedding:    f.Enrich.EnableEmbedding,
		AutoTag:            model.BoolPtr(f.Enrich.AutoTag),
		ExtractDates:       model.BoolPtr(f.Enrich.ExtractDates),
		ExtractTriplets:    model.BoolPtr(f.Enrich.ExtractTriplets),
		Role:               f.Role,
		NoRaw:              f.Enrich.NoRaw,
		Dedup:              true,
		InstantIndex:       model.BoolPtr(f.Enrich.InstantIndex),
		ExtractionBudgetMS: model.Int(f.Enrich.ExtractionBudgetMS),
	}
	// Without content Put would read SourcePath from this machine's disk.
	if len(rec.Content) > 0 {
		opts.SourcePath = f.SourcePath
	} else if f.SearchText == "" {
		opts.SearchText = f.ExtractedText
	}
	if f.ParentID != nil {
		if parent, ok := ids[*f.ParentID]; ok {
			opts.ParentID = model.ID(parent)
		}
	}
	return opts
}
