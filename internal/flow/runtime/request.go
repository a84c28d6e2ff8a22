package runtime

import "strings"

// Ownership of the source material. External content routes through research.
const (
	OwnershipOriginal = "ORIGINAL"
	OwnershipExternal = "EXTERNAL"
)

// FlowRequest is the caller's input to a run. Validation happens before the
// run starts; a rejected request never creates state.
type FlowRequest struct {
	Topic         string         `json:"topic" yaml:"topic"`
	Platform      string         `json:"platform" yaml:"platform"`
	Ownership     string         `json:"ownership" yaml:"ownership"`
	SkipResearch  bool           `json:"skip_research" yaml:"skip_research"`
	StrictKB      bool           `json:"strict_kb" yaml:"strict_kb"`
	AudienceNotes string         `json:"audience_notes,omitempty" yaml:"audience_notes,omitempty"`
	StyleGuide    string         `json:"style_guide,omitempty" yaml:"style_guide,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Normalize trims fields and folds ownership to its canonical upper-case
// form. Platform keeps its case for display but matches case-insensitively.
func (r FlowRequest) Normalize() FlowRequest {
	r.Topic = strings.TrimSpace(r.Topic)
	r.Platform = strings.TrimSpace(r.Platform)
	r.Ownership = strings.ToUpper(strings.TrimSpace(r.Ownership))
	return r
}

// OriginalContent reports whether the material is the author's own, which
// lets the research stage be skipped.
func (r FlowRequest) OriginalContent() bool {
	return strings.EqualFold(strings.TrimSpace(r.Ownership), OwnershipOriginal)
}
