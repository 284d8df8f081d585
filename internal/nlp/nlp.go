// Package nlp derives tags, temporal references and subject-predicate-object
// triplets from frame text.
package nlp

import (
	"context"
	"time"

	"github.com/rcliao/framestore/internal/model"
)

// Extractor is the text analysis backend used by the enrichment pipeline.
// Implementations must be safe for concurrent use.
type Extractor interface {
	// Tags returns normalized topic tags for text.
	Tags(ctx context.Context, text string) ([]string, error)
	// Dates returns the temporal references in text. Relative expressions
	// resolve against ref.
	Dates(ctx context.Context, text string, ref time.Time) ([]model.DateRef, error)
	// Triplets returns the relations stated in text.
	Triplets(ctx context.Context, text string) ([]model.Triplet, error)
}
