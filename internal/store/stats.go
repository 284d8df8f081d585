package store

import (
	"context"
	"os"

	"github.com/rcliao/framestore/internal/model"
)

// Stats holds store statistics.
type Stats struct {
	StoreID       string                        `json:"store_id"`
	DBPath        string                        `json:"db_path"`
	DBSizeBytes   int64                         `json:"db_size_bytes"`
	Frames        int                           `json:"frames"`
	DurableFrames int                           `json:"durable_frames"`
	ByState       map[model.EnrichmentState]int `json:"by_state"`
	ByRole        map[model.Role]int            `json:"by_role"`
	Embedded      int                           `json:"embedded"`
	Chunks        int                           `json:"chunks"`
	Triplets      int                           `json:"triplets"`
	Links         int                           `json:"links"`
	Digests       int                           `json:"digests"`
	Indexed       int                           `json:"indexed"`
	QueueDepth    int                           `json:"queue_depth"`
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		StoreID:       s.id,
		DBPath:        s.path,
		Frames:        s.ledger.Len(),
		DurableFrames: s.ledger.Durable(),
		ByState:       map[model.EnrichmentState]int{},
		ByRole:        map[model.Role]int{},
		Triplets:      s.ledger.TripletCount(),
		Links:         s.ledger.LinkCount(),
		Digests:       s.dedup.Len(),
		Indexed:       s.index.Len(),
		QueueDepth:    s.pipeline.Depth(),
	}

	// DB file size, WAL included.
	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.DBSizeBytes += info.Size()
		}
	}

	s.ledger.Scan(func(f *model.Frame) bool {
		st.ByState[f.State]++
		st.ByRole[f.Role]++
		if len(f.Embedding) > 0 {
			st.Embedded++
		}
		return true
	})

	if j, ok := s.journal.(*SQLiteJournal); ok {
		n, err := j.ChunkCount(ctx)
		if err != nil {
			return st, err
		}
		st.Chunks = n
	}
	return st, nil
}
