package ledger

import (
	"context"

	"github.com/rcliao/framestore/internal/model"
)

// Journal is the durable medium behind the ledger.
//
// Stage calls add to the current batch and must leave no trace when they
// fail. Everything staged becomes durable at the next successful Sync; a
// failed Sync keeps the batch so a later Sync can still persist it. Reads
// observe staged data.
type Journal interface {
	StageFrame(ctx context.Context, f *model.Frame, raw []byte) error
	StageEnrichment(ctx context.Context, f *model.Frame, chunks []model.Chunk) error
	StageTriplets(ctx context.Context, id model.FrameID, triplets []model.Triplet) error
	StageLink(ctx context.Context, l model.Link) error

	// Sync is the durability barrier.
	Sync(ctx context.Context) error

	// LoadFrames yields persisted frames in id order.
	LoadFrames(ctx context.Context, fn func(*model.Frame) error) error
	LoadTriplets(ctx context.Context, fn func(model.Triplet) error) error
	LoadLinks(ctx context.Context, fn func(model.Link) error) error

	// Content returns the raw blob stored under ref.
	Content(ctx context.Context, ref string) ([]byte, error)
	Chunks(ctx context.Context, id model.FrameID) ([]model.Chunk, error)

	Close() error
}
