package types

import "time"

// EvidenceStatus tracks retrieval of the evidence file.
type EvidenceStatus string

const (
	EvidencePending    EvidenceStatus = "pending"
	EvidenceDownloaded EvidenceStatus = "downloaded"
	EvidenceProcessed  EvidenceStatus = "processed"
	EvidenceFailed     EvidenceStatus = "failed"
)

// Evidence is a sourced reference with derived quality scores.
type Evidence struct {
	ID      string `json:"id" yaml:"id"`
	PlanID  PlanID `json:"plan_id,omitempty" yaml:"plan_id"`
	Title   string `json:"title" yaml:"title"`
	URL     string `json:"url" yaml:"url"`
	Summary string `json:"summary,omitempty" yaml:"summary"`

	// file metadata
	FileKey  string `json:"file_key,omitempty" yaml:"file_key"`
	FileType string `json:"file_type,omitempty" yaml:"file_type"`
	FileSize int64  `json:"file_size,omitempty" yaml:"file_size"`

	// provenance, feeds authority and timeliness
	License     string     `json:"license,omitempty" yaml:"license"`
	Source      string     `json:"source,omitempty" yaml:"source"`
	PublishedAt *time.Time `json:"published_at,omitempty" yaml:"published_at"`
	RetrievedAt *time.Time `json:"retrieved_at,omitempty" yaml:"retrieved_at"`

	// written only by the scoring path
	Relevance  float64 `json:"relevance_score" yaml:"-"`
	Authority  float64 `json:"authority_score" yaml:"-"`
	Timeliness float64 `json:"timeliness_score" yaml:"-"`

	Usage  []EvidenceUsage `json:"usage_in_plan,omitempty" yaml:"usage_in_plan"`
	Status EvidenceStatus  `json:"status" yaml:"status"`
}

// EvidenceUsage records where a piece of evidence was cited.
type EvidenceUsage struct {
	PlanID  PlanID `json:"plan_id" yaml:"plan_id"`
	Section string `json:"section" yaml:"section"`
	Context string `json:"context,omitempty" yaml:"context"`
}

// EvidenceUpdate is the mutation contract for evidence attributes. Score fields are
// deliberately absent.
type EvidenceUpdate struct {
	Title    *string         `json:"title,omitempty"`
	Summary  *string         `json:"summary,omitempty"`
	FileType *string         `json:"file_type,omitempty"`
	FileSize *int64          `json:"file_size,omitempty"`
	License  *string         `json:"license,omitempty"`
	Status   *EvidenceStatus `json:"status,omitempty"`
}
