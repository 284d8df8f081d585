package softindex

import (
	"strconv"

	"github.com/rcliao/framestore/internal/model"
)

// FrameDoc builds the indexable view of f. Extracted text and metadata
// leaves only count once enrichment has finished with the frame; before
// that only the fields the caller supplied are searchable.
func FrameDoc(f *model.Frame) Doc {
	doc := Doc{
		ID:        f.ID,
		Timestamp: f.Timestamp,
		Role:      f.Role,
		Track:     f.Track,
		Kind:      f.Kind,
		Title:     f.Title,
		Tags:      append(append([]string(nil), f.Tags...), f.Labels...),
	}
	if f.SearchText != "" {
		doc.Body = append(doc.Body, f.SearchText)
	}
	if !f.State.Terminal() {
		return doc
	}
	if f.ExtractedText != "" && f.SearchText == "" {
		doc.Body = append(doc.Body, f.ExtractedText)
	}
	f.Metadata.Walk(func(_ string, leaf model.Value) {
		if s, ok := leaf.AsString(); ok {
			doc.Body = append(doc.Body, s)
		} else if n, ok := leaf.AsNumber(); ok {
			doc.Body = append(doc.Body, strconv.FormatFloat(n, 'f', -1, 64))
		}
	})
	return doc
}
