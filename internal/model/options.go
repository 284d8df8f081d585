package model

import "time"

// DefaultExtractionBudgetMS bounds text extraction when the caller does not
// choose a budget.
const DefaultExtractionBudgetMS = 350

// PutOptions is the ingestion contract for a single frame. The zero value is
// usable: nil toggles and a nil budget take their defaults, so a struct
// literal and an empty JSON object mean the same thing.
type PutOptions struct {
	Timestamp       *time.Time        `json:"timestamp,omitempty"`
	Track           string            `json:"track,omitempty"`
	Kind            string            `json:"kind,omitempty"`
	URI             string            `json:"uri,omitempty"`
	Title           string            `json:"title,omitempty"`
	Metadata        Value             `json:"metadata"`
	SearchText      string            `json:"search_text,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Labels          []string          `json:"labels,omitempty"`
	ExtraMetadata   map[string]string `json:"extra_metadata,omitempty"`
	EnableEmbedding bool              `json:"enable_embedding"`
	// AutoTag, ExtractDates, ExtractTriplets and InstantIndex default to
	// true when nil.
	AutoTag         *bool    `json:"auto_tag,omitempty"`
	ExtractDates    *bool    `json:"extract_dates,omitempty"`
	ExtractTriplets *bool    `json:"extract_triplets,omitempty"`
	ParentID        *FrameID `json:"parent_id,omitempty"`
	// Role defaults to RoleDocument when empty.
	Role         Role   `json:"role,omitempty"`
	NoRaw        bool   `json:"no_raw"`
	SourcePath   string `json:"source_path,omitempty"`
	Dedup        bool   `json:"dedup"`
	InstantIndex *bool  `json:"instant_index,omitempty"`
	// ExtractionBudgetMS defaults to DefaultExtractionBudgetMS when nil. An
	// explicit zero means unbounded.
	ExtractionBudgetMS *int `json:"extraction_budget_ms,omitempty"`
}

// DefaultPutOptions returns the options a caller gets by omitting every
// field. It differs from the zero value only in spelling out the role.
func DefaultPutOptions() PutOptions {
	return PutOptions{Role: RoleDocument}
}

// EnrichOptions extracts the pipeline toggles persisted with the frame.
func (o PutOptions) EnrichOptions() EnrichOptions {
	budget := DefaultExtractionBudgetMS
	if o.ExtractionBudgetMS != nil {
		budget = *o.ExtractionBudgetMS
	}
	return EnrichOptions{
		EnableEmbedding:    o.EnableEmbedding,
		AutoTag:            orTrue(o.AutoTag),
		ExtractDates:       orTrue(o.ExtractDates),
		ExtractTriplets:    orTrue(o.ExtractTriplets),
		NoRaw:              o.NoRaw,
		InstantIndex:       orTrue(o.InstantIndex),
		ExtractionBudgetMS: budget,
	}
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

// Budget returns the extraction budget; zero means unbounded.
func (e EnrichOptions) Budget() time.Duration {
	if e.ExtractionBudgetMS <= 0 {
		return 0
	}
	return time.Duration(e.ExtractionBudgetMS) * time.Millisecond
}

// ID returns a pointer to id, for PutOptions.ParentID.
func ID(id FrameID) *FrameID {
	return &id
}

// BoolPtr returns a pointer to b, for the PutOptions toggles.
func BoolPtr(b bool) *bool {
	return &b
}

// Int returns a pointer to n, for PutOptions.ExtractionBudgetMS.
func Int(n int) *int {
	return &n
}
