package store

import (
	"github.com/rcliao/framestore/internal/model"
)

// TimelineParams filters a walk over the timeline.
type TimelineParams struct {
	Track string
	Kind  string
	Role  model.Role
	State model.EnrichmentState
	// After starts the walk past this id.
	After *model.FrameID
	// Reverse walks newest first.
	Reverse bool
	Limit   int
}

// Timeline lists frames in id order (append order).
func (s *Store) Timeline(p TimelineParams) []*model.Frame {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	match := func(f *model.Frame) bool {
		switch {
		case p.Track != "" && f.Track != p.Track:
			return false
		case p.Kind != "" && f.Kind != p.Kind:
			return false
		case p.Role != "" && f.Role != p.Role:
			return false
		case p.State != "" && f.State != p.State:
			return false
		}
		return true
	}

	var out []*model.Frame
	if !p.Reverse {
		s.ledger.Scan(func(f *model.Frame) bool {
			if p.After != nil && f.ID <= *p.After {
				return true
			}
			if match(f) {
				out = append(out, f)
			}
			return len(out) < limit
		})
		return out
	}

	end := model.FrameID(s.ledger.Len())
	if p.After != nil && *p.After < end {
		end = *p.After
	}
	for id := end; id > 0 && len(out) < limit; id-- {
		f, ok := s.ledger.Get(id - 1)
		if ok && match(f) {
			out = append(out, f)
		}
	}
	return out
}
