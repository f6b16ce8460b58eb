package store

import "github.com/ChuLiYu/planforge/pkg/types"

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func clonePlan(p types.Plan) types.Plan {
	p.Content = cloneContent(p.Content)
	return p
}

func cloneContent(c types.PlanContent) types.PlanContent {
	out := types.PlanContent{
		References:    cloneStrings(c.References),
		EvidenceLinks: cloneStrings(c.EvidenceLinks),
	}
	if c.Overview != nil {
		o := *c.Overview
		out.Overview = &o
	}
	if c.Scope != nil {
		out.Scope = &types.Scope{In: cloneStrings(c.Scope.In), Out: cloneStrings(c.Scope.Out)}
	}
	if c.Milestones != nil {
		out.Milestones = make([]types.Milestone, len(c.Milestones))
		for i, m := range c.Milestones {
			m.Deliverables = cloneStrings(m.Deliverables)
			out.Milestones[i] = m
		}
	}
	if c.Tasks != nil {
		out.Tasks = append([]types.Task(nil), c.Tasks...)
	}
	if c.RACI != nil {
		out.RACI = make([]types.RACIRow, len(c.RACI))
		for i, r := range c.RACI {
			r.Responsible = cloneStrings(r.Responsible)
			r.Consulted = cloneStrings(r.Consulted)
			r.Informed = cloneStrings(r.Informed)
			out.RACI[i] = r
		}
	}
	if c.Risks != nil {
		out.Risks = append([]types.Risk(nil), c.Risks...)
	}
	if c.Budget != nil {
		b := types.Budget{Total: c.Budget.Total}
		if c.Budget.Breakdown != nil {
			b.Breakdown = append([]types.BudgetItem(nil), c.Budget.Breakdown...)
		}
		out.Budget = &b
	}
	return out
}

func cloneEvidence(e types.Evidence) types.Evidence {
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		e.PublishedAt = &t
	}
	if e.RetrievedAt != nil {
		t := *e.RetrievedAt
		e.RetrievedAt = &t
	}
	if e.Usage != nil {
		e.Usage = append([]types.EvidenceUsage(nil), e.Usage...)
	}
	return e
}

func cloneRequirement(r types.RequirementSnapshot) types.RequirementSnapshot {
	r.Objectives = cloneStrings(r.Objectives)
	r.QualityMetrics = cloneStrings(r.QualityMetrics)
	r.DeliverableFormats = cloneStrings(r.DeliverableFormats)
	r.Constraints.Compliance = cloneStrings(r.Constraints.Compliance)
	r.Constraints.Resources = cloneStrings(r.Constraints.Resources)
	if r.Preferences != nil {
		p := *r.Preferences
		r.Preferences = &p
	}
	return r
}
