// Package model defines the core frame data types.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rcliao/framestore/internal/hasher"
)

// FrameID identifies a frame on the timeline. Ids are dense, start at 0 and
// are never reused.
type FrameID uint64

// Role governs downstream processing of a frame.
type Role string

const (
	RoleDocument       Role = "document"
	RoleDocumentChunk  Role = "document_chunk"
	RoleExtractedImage Role = "extracted_image"
)

// ValidRoles are the allowed frame roles.
var ValidRoles = map[Role]bool{
	RoleDocument:       true,
	RoleDocumentChunk:  true,
	RoleExtractedImage: true,
}

// EnrichmentState tracks a frame through the enrichment pipeline.
type EnrichmentState string

const (
	StatePending          EnrichmentState = "pending"
	StateSoftIndexed      EnrichmentState = "soft_indexed"
	StateFullyEnriched    EnrichmentState = "fully_enriched"
	StateEnrichmentFailed EnrichmentState = "enrichment_failed"
)

// Terminal reports whether no further enrichment transition is allowed.
func (s EnrichmentState) Terminal() bool {
	return s == StateFullyEnriched || s == StateEnrichmentFailed
}

// EnrichOptions are the per-frame pipeline toggles, persisted with the frame
// so unfinished enrichment can be resumed after a restart.
type EnrichOptions struct {
	EnableEmbedding    bool `json:"enable_embedding"`
	AutoTag            bool `json:"auto_tag"`
	ExtractDates       bool `json:"extract_dates"`
	ExtractTriplets    bool `json:"extract_triplets"`
	NoRaw              bool `json:"no_raw"`
	InstantIndex       bool `json:"instant_index"`
	ExtractionBudgetMS int  `json:"extraction_budget_ms"`
}

// Frame is one ingested unit of content plus its metadata and derived
// enrichment.
type Frame struct {
	ID          FrameID           `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	ContentRef  string            `json:"content_ref,omitempty"`
	ContentHash hasher.Digest     `json:"content_hash,omitempty"`
	Role        Role              `json:"role"`
	ParentID    *FrameID          `json:"parent_id,omitempty"`
	Track       string            `json:"track,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Title       string            `json:"title,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Extra       map[string]string `json:"extra_metadata,omitempty"`
	Metadata    Value             `json:"metadata"`
	SearchText  string            `json:"search_text,omitempty"`
	SourcePath  string            `json:"source_path,omitempty"`

	ExtractedText string          `json:"extracted_text,omitempty"`
	DerivedTags   []string        `json:"derived_tags,omitempty"`
	State         EnrichmentState `json:"enrichment_state"`
	StateReason   string          `json:"enrichment_reason,omitempty"`
	Embedding     []float32       `json:"embedding,omitempty"`
	Enrich        EnrichOptions   `json:"enrich"`
	Revision      uint64          `json:"revision"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Text returns the best available body text: the caller override first,
// then whatever the pipeline extracted.
func (f *Frame) Text() string {
	if f.SearchText != "" {
		return f.SearchText
	}
	return f.ExtractedText
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.ParentID != nil {
		p := *f.ParentID
		c.ParentID = &p
	}
	c.Tags = cloneStrings(f.Tags)
	c.Labels = cloneStrings(f.Labels)
	c.DerivedTags = cloneStrings(f.DerivedTags)
	if f.Extra != nil {
		c.Extra = make(map[string]string, len(f.Extra))
		for k, v := range f.Extra {
			c.Extra[k] = v
		}
	}
	c.Metadata = f.Metadata.Clone()
	if f.Embedding != nil {
		c.Embedding = append([]float32(nil), f.Embedding...)
	}
	return &c
}

// Triplet is a subject-predicate-object relation extracted from a frame.
type Triplet struct {
	FrameID   FrameID `json:"frame_id"`
	Subject   string  `json:"subject"`
	Predicate string  `json:"predicate"`
	Object    string  `json:"object"`
}

// Chunk is a slice of a document frame's extracted text.
type Chunk struct {
	FrameID   FrameID `json:"frame_id"`
	Seq       int     `json:"seq"`
	Text      string  `json:"text"`
	StartLine int     `json:"start_line,omitempty"`
	EndLine   int     `json:"end_line,omitempty"`
}

// DateRef is a temporal reference recognized in a frame's text.
type DateRef struct {
	Text string `json:"text"`
	Date string `json:"date"` // YYYY-MM-DD
}

// Rel names the kind of an explicit link between frames.
type Rel string

const (
	RelDerivedFrom Rel = "derived_from"
	RelRelatesTo   Rel = "relates_to"
	RelContradicts Rel = "contradicts"
	RelRefines     Rel = "refines"
)

// ValidRels are the allowed link relations.
var ValidRels = map[Rel]bool{
	RelDerivedFrom: true,
	RelRelatesTo:   true,
	RelContradicts: true,
	RelRefines:     true,
}

// Link is an explicit edge between two frames.
type Link struct {
	From      FrameID   `json:"from"`
	To        FrameID   `json:"to"`
	Rel       Rel       `json:"rel"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeSet trims, drops empties, de-duplicates and sorts values.
func NormalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// UnionSet merges b into a and normalizes the result.
func UnionSet(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeSet(merged)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
