package store

import (
	"context"

	"github.com/rcliao/framestore/internal/model"
)

// LinkParams holds parameters for creating a link.
type LinkParams struct {
	From model.FrameID
	To   model.FrameID
	Rel  model.Rel // derived_from | relates_to | contradicts | refines
}

// Lineage is the graph neighbourhood of one frame.
type Lineage struct {
	ID        model.FrameID   `json:"id"`
	Parent    *model.FrameID  `json:"parent_id,omitempty"`
	Ancestors []model.FrameID `json:"ancestors,omitempty"`
	Children  []model.FrameID `json:"children,omitempty"`
	Links     []model.Link    `json:"links,omitempty"`
}

// Link creates a relation between two frames and commits it. derived_from
// links count as ancestry and must not form a cycle with parent edges.
func (s *Store) Link(ctx context.Context, p LinkParams) (*model.Link, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	link := model.Link{From: p.From, To: p.To, Rel: p.Rel, CreatedAt: s.now().UTC()}
	if err := s.ledger.AddLink(ctx, link); err != nil {
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return &link, err
	}
	s.logger.Debug("frames linked", "from", p.From, "to", p.To, "rel", p.Rel)
	return &link, nil
}

// Lineage returns the parent, ancestors, children and links of frame id.
func (s *Store) Lineage(id model.FrameID) (*Lineage, bool) {
	if _, ok := s.ledger.Get(id); !ok {
		return nil, false
	}
	l := &Lineage{
		ID:        id,
		Ancestors: s.ledger.Ancestors(id),
		Children:  s.ledger.Children(id),
		Links:     s.ledger.Links(id),
	}
	if parent, ok := s.ledger.Parent(id); ok {
		l.Parent = &parent
	}
	return l, true
}

// Triplets returns the relations extracted from frame id.
func (s *Store) Triplets(id model.FrameID) []model.Triplet {
	return s.ledger.Triplets(id)
}

// FindTriplets matches extracted relations case-insensitively; an empty
// argument matches anything.
func (s *Store) FindTriplets(subject, predicate, object string) []model.Triplet {
	return s.ledger.FindTriplets(subject, predicate, object)
}
