// Package collab holds the stock collaborators the lifecycle controller is
// wired with when no external service is configured: a deterministic plan
// generator, an artifact renderer and a catalog evidence source.
package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// TemplateGenerator derives plan content from the requirement alone. Sections
// already present in the current content are kept; missing ones are filled
// from the requirement and the cited evidence. Output is deterministic.
type TemplateGenerator struct {
	// DefaultDueDate is used for milestones when the requirement has no time
	// constraint.
	DefaultDueDate string
}

// NewTemplateGenerator returns a generator with no default due date.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate implements lifecycle.Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, req types.RequirementSnapshot, current types.PlanContent, evidence []types.Evidence) (types.PlanContent, error) {
	if err := ctx.Err(); err != nil {
		return types.PlanContent{}, err
	}
	if strings.TrimSpace(req.ProblemStatement) == "" && len(req.Objectives) == 0 {
		return types.PlanContent{}, fmt.Errorf("requirement %s has neither a problem statement nor objectives", req.ID)
	}

	out := current
	overview := types.Overview{Title: title(req), Summary: strings.TrimSpace(req.ProblemStatement)}
	if current.Overview != nil {
		overview = *current.Overview
	}
	overview.Version = bumpVersion(overview.Version)
	out.Overview = &overview

	if out.Scope == nil {
		out.Scope = &types.Scope{
			In:  append([]string(nil), req.Objectives...),
			Out: outOfScope(req),
		}
	}
	if len(out.Milestones) == 0 {
		out.Milestones = g.milestones(req)
	}
	if len(out.Tasks) == 0 {
		out.Tasks = tasks(req)
	}
	if len(out.RACI) == 0 {
		out.RACI = raci(req, out.Tasks)
	}
	if len(out.Risks) == 0 {
		out.Risks = risks(req)
	}
	if out.Budget == nil && req.Constraints.Budget > 0 {
		out.Budget = &types.Budget{Total: req.Constraints.Budget}
	}

	// citations are regenerated every time from the evidence passed in
	out.References = nil
	out.EvidenceLinks = nil
	for _, ev := range evidence {
		out.EvidenceLinks = append(out.EvidenceLinks, ev.ID)
		ref := ev.Title
		if ev.URL != "" {
			ref = strings.TrimSpace(ref + " " + ev.URL)
		}
		if ref != "" {
			out.References = append(out.References, ref)
		}
	}
	return out, nil
}

func title(req types.RequirementSnapshot) string {
	s := strings.TrimSpace(req.ProblemStatement)
	if s == "" {
		s = req.Objectives[0]
	}
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		s = strings.TrimSpace(s[:max])
	}
	return s
}

func bumpVersion(v string) string {
	var n int
	if _, err := fmt.Sscanf(v, "v%d", &n); err != nil {
		return "v1"
	}
	return fmt.Sprintf("v%d", n+1)
}

func outOfScope(req types.RequirementSnapshot) []string {
	var out []string
	for _, f := range []string{"pdf", "docx", "markdown", "package"} {
		if !contains(req.DeliverableFormats, f) && len(req.DeliverableFormats) > 0 {
			out = append(out, f+" deliverable")
		}
	}
	if len(out) == 0 {
		out = []string{"work not covered by the stated objectives"}
	}
	return out
}

func (g *TemplateGenerator) milestones(req types.RequirementSnapshot) []types.Milestone {
	due := strings.TrimSpace(req.Constraints.Time)
	if due == "" {
		due = g.DefaultDueDate
	}
	out := make([]types.Milestone, 0, len(req.Objectives))
	for i, obj := range req.Objectives {
		out = append(out, types.Milestone{
			ID:           fmt.Sprintf("m%d", i+1),
			Name:         obj,
			DueDate:      due,
			Deliverables: deliverables(req, obj),
		})
	}
	return out
}

func deliverables(req types.RequirementSnapshot, objective string) []string {
	if len(req.DeliverableFormats) == 0 {
		return []string{objective + " report"}
	}
	out := make([]string, 0, len(req.DeliverableFormats))
	for _, f := range req.DeliverableFormats {
		out = append(out, fmt.Sprintf("%s (%s)", objective, f))
	}
	return out
}

func tasks(req types.RequirementSnapshot) []types.Task {
	out := make([]types.Task, 0, len(req.Objectives))
	for i, obj := range req.Objectives {
		t := types.Task{ID: fmt.Sprintf("t%d", i+1), Name: obj}
		if len(req.Constraints.Resources) > 0 {
			t.Assignee = req.Constraints.Resources[i%len(req.Constraints.Resources)]
		}
		out = append(out, t)
	}
	return out
}

func raci(req types.RequirementSnapshot, tasks []types.Task) []types.RACIRow {
	if len(req.Constraints.Resources) == 0 {
		return nil
	}
	owner := req.Constraints.Resources[0]
	out := make([]types.RACIRow, 0, len(tasks))
	for _, t := range tasks {
		row := types.RACIRow{Task: t.ID, Accountable: owner}
		if t.Assignee != "" {
			row.Responsible = []string{t.Assignee}
		}
		if req.Audience != "" {
			row.Informed = []string{req.Audience}
		}
		out = append(out, row)
	}
	return out
}

func risks(req types.RequirementSnapshot) []types.Risk {
	var out []types.Risk
	for i, c := range req.Constraints.Compliance {
		out = append(out, types.Risk{
			ID:          fmt.Sprintf("r%d", i+1),
			Description: "non-compliance with " + c,
			Probability: "medium",
			Impact:      "high",
			Mitigation:  "review deliverables against " + c + " before sign-off",
		})
	}
	if req.Constraints.Time != "" {
		out = append(out, types.Risk{
			ID:          fmt.Sprintf("r%d", len(out)+1),
			Description: "schedule slip past " + req.Constraints.Time,
			Probability: riskLevel(req),
			Impact:      "medium",
		})
	}
	return out
}

func riskLevel(req types.RequirementSnapshot) string {
	if req.Preferences != nil && req.Preferences.RiskTolerance == "low" {
		return "high"
	}
	return "medium"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
