// Package completeness computes a 0-100 structural completeness score for a
// plan together with a list of missing or thin sections.
//
// Each section carries a weight (the weights sum to 100). A section that is
// present and non-trivial earns its full weight; present but thin earns half
// and a warning; missing (nil or empty) earns nothing and an error.
// Incompleteness is reported, never returned as an error.
package completeness

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// ErrInvalidWeights is returned when section weights are negative or do not sum to 100.
var ErrInvalidWeights = errors.New("completeness: section weights must be non-negative and sum to 100")

// Section names a structural part of a plan.
type Section string

const (
	SectionOverview   Section = "overview"
	SectionScope      Section = "scope"
	SectionMilestones Section = "milestones"
	SectionTasks      Section = "tasks"
	SectionRACI       Section = "raci"
	SectionRisks      Section = "risks"
	SectionBudget     Section = "budget"
	SectionReferences Section = "references"
)

// Sections lists every section in report order.
var Sections = []Section{
	SectionOverview, SectionScope, SectionMilestones, SectionTasks,
	SectionRACI, SectionRisks, SectionBudget, SectionReferences,
}

func (s Section) order() int {
	for i, v := range Sections {
		if v == s {
			return i
		}
	}
	return len(Sections)
}

// Severity of an issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityError
}

// order returns a sort key (lower = more severe).
func (s Severity) order() int {
	if s == SeverityError {
		return 0
	}
	return 1
}

// Issue describes one missing or weak section.
type Issue struct {
	Section  Section  `json:"section"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the validator output.
type Result struct {
	CompletionScore int     `json:"completion_score"`
	Issues          []Issue `json:"issues"`
}

// SectionWeights assigns points per section.
type SectionWeights struct {
	Overview   int `yaml:"overview" json:"overview"`
	Scope      int `yaml:"scope" json:"scope"`
	Milestones int `yaml:"milestones" json:"milestones"`
	Tasks      int `yaml:"tasks" json:"tasks"`
	RACI       int `yaml:"raci" json:"raci"`
	Risks      int `yaml:"risks" json:"risks"`
	Budget     int `yaml:"budget" json:"budget"`
	References int `yaml:"references" json:"references"`
}

// DefaultSectionWeights: 10/15/15/15/10/10/15/10.
func DefaultSectionWeights() SectionWeights {
	return SectionWeights{
		Overview: 10, Scope: 15, Milestones: 15, Tasks: 15,
		RACI: 10, Risks: 10, Budget: 15, References: 10,
	}
}

// Of returns the weight of s.
func (w SectionWeights) Of(s Section) int {
	switch s {
	case SectionOverview:
		return w.Overview
	case SectionScope:
		return w.Scope
	case SectionMilestones:
		return w.Milestones
	case SectionTasks:
		return w.Tasks
	case SectionRACI:
		return w.RACI
	case SectionRisks:
		return w.Risks
	case SectionBudget:
		return w.Budget
	case SectionReferences:
		return w.References
	}
	return 0
}

// Validate checks that weights are non-negative and sum to 100.
func (w SectionWeights) Validate() error {
	sum := 0
	for _, s := range Sections {
		v := w.Of(s)
		if v < 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidWeights, s, v)
		}
		sum += v
	}
	if sum != 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidWeights, sum)
	}
	return nil
}

// Validator scores plans. Stateless apart from its weights.
type Validator struct {
	weights SectionWeights
}

// NewValidator builds a validator; zero weights mean defaults.
func NewValidator(w SectionWeights) (*Validator, error) {
	if w == (SectionWeights{}) {
		w = DefaultSectionWeights()
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Validator{weights: w}, nil
}

// Weights returns the configured weights.
func (v *Validator) Weights() SectionWeights {
	return v.weights
}

type grade int

const (
	gradeMissing grade = iota
	gradeThin
	gradeFull
)

type check func(c types.PlanContent) (grade, string)

var checks = map[Section]check{
	SectionOverview:   checkOverview,
	SectionScope:      checkScope,
	SectionMilestones: checkMilestones,
	SectionTasks:      checkTasks,
	SectionRACI:       checkRACI,
	SectionRisks:      checkRisks,
	SectionBudget:     checkBudget,
	SectionReferences: checkReferences,
}

// Validate scores plan content. Never fails.
func (v *Validator) Validate(plan types.Plan) Result {
	earned := 0.0
	issues := make([]Issue, 0)

	for _, s := range Sections {
		g, msg := checks[s](plan.Content)
		weight := float64(v.weights.Of(s))
		switch g {
		case gradeFull:
			earned += weight
		case gradeThin:
			earned += weight / 2
			issues = append(issues, Issue{Section: s, Severity: SeverityWarning, Message: msg})
		default:
			issues = append(issues, Issue{Section: s, Severity: SeverityError, Message: msg})
		}
	}

	SortIssues(issues)
	return Result{CompletionScore: clampScore(int(math.Round(earned))), Issues: issues}
}

// SortIssues orders by section, then error before warning.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		si, sj := issues[i].Section.order(), issues[j].Section.order()
		if si != sj {
			return si < sj
		}
		return issues[i].Severity.order() < issues[j].Severity.order()
	})
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ============================================================================
// 各段落檢查
// ============================================================================

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func nonBlank(items []string) int {
	n := 0
	for _, s := range items {
		if !blank(s) {
			n++
		}
	}
	return n
}

func checkOverview(c types.PlanContent) (grade, string) {
	o := c.Overview
	if o == nil {
		return gradeMissing, "overview section is missing"
	}
	if blank(o.Title) || blank(o.Summary) {
		return gradeThin, "overview needs both a title and a summary"
	}
	return gradeFull, ""
}

func checkScope(c types.PlanContent) (grade, string) {
	s := c.Scope
	if s == nil {
		return gradeMissing, "scope section is missing"
	}
	if nonBlank(s.In) == 0 || nonBlank(s.Out) == 0 {
		return gradeThin, "scope needs non-empty in-scope and out-of-scope lists"
	}
	return gradeFull, ""
}

func checkMilestones(c types.PlanContent) (grade, string) {
	if len(c.Milestones) == 0 {
		return gradeMissing, "milestones section is missing"
	}
	dated := false
	for _, m := range c.Milestones {
		if !blank(m.DueDate) {
			dated = true
		}
		if nonBlank(m.Deliverables) == 0 {
			return gradeThin, fmt.Sprintf("milestone %q has no deliverables", milestoneLabel(m))
		}
	}
	if !dated {
		return gradeThin, "no milestone has a due date"
	}
	return gradeFull, ""
}

func milestoneLabel(m types.Milestone) string {
	if !blank(m.Name) {
		return m.Name
	}
	return m.ID
}

func checkTasks(c types.PlanContent) (grade, string) {
	if len(c.Tasks) == 0 {
		return gradeMissing, "tasks section is missing"
	}
	for i, t := range c.Tasks {
		if blank(t.Name) {
			return gradeThin, fmt.Sprintf("task #%d has no name", i+1)
		}
	}
	return gradeFull, ""
}

func checkRACI(c types.PlanContent) (grade, string) {
	if len(c.RACI) == 0 {
		return gradeMissing, "raci section is missing"
	}
	for _, r := range c.RACI {
		if nonBlank(r.Responsible) > 0 && !blank(r.Accountable) {
			return gradeFull, ""
		}
	}
	return gradeThin, "no raci row names both a responsible and an accountable party"
}

func checkRisks(c types.PlanContent) (grade, string) {
	if len(c.Risks) == 0 {
		return gradeMissing, "risks section is missing"
	}
	for _, r := range c.Risks {
		if !blank(r.Mitigation) {
			return gradeFull, ""
		}
	}
	return gradeThin, "no risk has a mitigation"
}

func checkBudget(c types.PlanContent) (grade, string) {
	if c.Budget == nil {
		return gradeMissing, "budget section is missing"
	}
	if c.Budget.Total <= 0 {
		return gradeThin, "budget total must be positive"
	}
	return gradeFull, ""
}

func checkReferences(c types.PlanContent) (grade, string) {
	if len(c.References) == 0 && len(c.EvidenceLinks) == 0 {
		return gradeMissing, "references section is missing"
	}
	if nonBlank(c.References)+nonBlank(c.EvidenceLinks) == 0 {
		return gradeThin, "references are all blank"
	}
	return gradeFull, ""
}
