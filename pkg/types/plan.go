package types

import "time"

// PlanID identifies a plan document.
type PlanID string

// PlanStatus is the plan-level lifecycle state.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanGenerating PlanStatus = "generating"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanArchived   PlanStatus = "archived"
)

// RequirementSnapshot is the immutable input a plan is generated from.
type RequirementSnapshot struct {
	ID                 string           `json:"id" yaml:"id"`
	ProblemStatement   string           `json:"problem_statement" yaml:"problem_statement"`
	Objectives         []string         `json:"objectives" yaml:"objectives"`
	Constraints        Constraints      `json:"constraints" yaml:"constraints"`
	Audience           string           `json:"audience,omitempty" yaml:"audience"`
	QualityMetrics     []string         `json:"quality_metrics,omitempty" yaml:"quality_metrics"`
	DeliverableFormats []string         `json:"deliverable_formats,omitempty" yaml:"deliverable_formats"`
	Preferences        *UserPreferences `json:"user_preferences,omitempty" yaml:"user_preferences"`
}

// Constraints bound a requirement.
type Constraints struct {
	Time       string   `json:"time,omitempty" yaml:"time"`
	Budget     float64  `json:"budget,omitempty" yaml:"budget"`
	Compliance []string `json:"compliance,omitempty" yaml:"compliance"`
	Resources  []string `json:"resources,omitempty" yaml:"resources"`
}

// UserPreferences tune how a plan is written.
type UserPreferences struct {
	Style         string `json:"style,omitempty" yaml:"style"`
	DetailLevel   string `json:"detail_level,omitempty" yaml:"detail_level"`
	RiskTolerance string `json:"risk_tolerance,omitempty" yaml:"risk_tolerance"`
}

// Plan is the generated structured document under management.
type Plan struct {
	ID              PlanID      `json:"id" yaml:"id"`
	RequirementID   string      `json:"requirement_snapshot_id" yaml:"requirement_snapshot_id"`
	Content         PlanContent `json:"content" yaml:"content"`
	Status          PlanStatus  `json:"status" yaml:"status"`
	CompletionScore int         `json:"completion_score" yaml:"-"`
	Revision        int         `json:"revision" yaml:"-"`
	CreatedAt       time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time   `json:"updated_at" yaml:"-"`
}

// PlanContent holds the structural sections. A nil pointer or an empty list
// means the section is missing.
type PlanContent struct {
	Overview      *Overview   `json:"overview,omitempty" yaml:"overview"`
	Scope         *Scope      `json:"scope,omitempty" yaml:"scope"`
	Milestones    []Milestone `json:"milestones,omitempty" yaml:"milestones"`
	Tasks         []Task      `json:"tasks,omitempty" yaml:"tasks"`
	RACI          []RACIRow   `json:"raci,omitempty" yaml:"raci"`
	Risks         []Risk      `json:"risks,omitempty" yaml:"risks"`
	Budget        *Budget     `json:"budget,omitempty" yaml:"budget"`
	References    []string    `json:"references,omitempty" yaml:"references"`
	EvidenceLinks []string    `json:"evidence_links,omitempty" yaml:"evidence_links"`
}

type Overview struct {
	Title   string `json:"title" yaml:"title"`
	Summary string `json:"summary" yaml:"summary"`
	Version string `json:"version,omitempty" yaml:"version"`
}

type Scope struct {
	In  []string `json:"in" yaml:"in"`
	Out []string `json:"out" yaml:"out"`
}

type Milestone struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	DueDate      string   `json:"due_date,omitempty" yaml:"due_date"`
	Deliverables []string `json:"deliverables,omitempty" yaml:"deliverables"`
}

type Task struct {
	ID             string  `json:"id" yaml:"id"`
	Name           string  `json:"name" yaml:"name"`
	Description    string  `json:"description,omitempty" yaml:"description"`
	Assignee       string  `json:"assignee,omitempty" yaml:"assignee"`
	EstimatedHours float64 `json:"estimated_hours,omitempty" yaml:"estimated_hours"`
}

type RACIRow struct {
	Task        string   `json:"task" yaml:"task"`
	Responsible []string `json:"responsible,omitempty" yaml:"responsible"`
	Accountable string   `json:"accountable,omitempty" yaml:"accountable"`
	Consulted   []string `json:"consulted,omitempty" yaml:"consulted"`
	Informed    []string `json:"informed,omitempty" yaml:"informed"`
}

type Risk struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	Probability string `json:"probability" yaml:"probability"`
	Impact      string `json:"impact" yaml:"impact"`
	Mitigation  string `json:"mitigation,omitempty" yaml:"mitigation"`
}

type Budget struct {
	Total     float64      `json:"total" yaml:"total"`
	Breakdown []BudgetItem `json:"breakdown,omitempty" yaml:"breakdown"`
}

type BudgetItem struct {
	Category    string  `json:"category" yaml:"category"`
	Amount      float64 `json:"amount" yaml:"amount"`
	Description string  `json:"description,omitempty" yaml:"description"`
}

// ExportFormat is the artifact format an export job renders.
type ExportFormat string

const (
	FormatPDF      ExportFormat = "pdf"
	FormatDOCX     ExportFormat = "docx"
	FormatMarkdown ExportFormat = "markdown"
	FormatPackage  ExportFormat = "package"
)

// Valid reports whether f is a known export format.
func (f ExportFormat) Valid() bool {
	switch f {
	case FormatPDF, FormatDOCX, FormatMarkdown, FormatPackage:
		return true
	}
	return false
}
