package completeness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// fullPlan returns a plan that meets every full-credit criterion.
func fullPlan() types.Plan {
	return types.Plan{
		ID: "P1",
		Content: types.PlanContent{
			Overview: &types.Overview{Title: "Community solar", Summary: "Install 40 kW on the library roof"},
			Scope:    &types.Scope{In: []string{"roof array"}, Out: []string{"battery storage"}},
			Milestones: []types.Milestone{
				{ID: "m1", Name: "Permits", DueDate: "2025-09-01", Deliverables: []string{"permit"}},
				{ID: "m2", Name: "Install", Deliverables: []string{"array"}},
			},
			Tasks: []types.Task{{ID: "t1", Name: "File permit"}, {ID: "t2", Name: "Procure panels"}},
			RACI: []types.RACIRow{
				{Task: "t1", Responsible: []string{"ops"}, Accountable: "pm"},
			},
			Risks:      []types.Risk{{ID: "r1", Description: "Delay", Probability: "medium", Impact: "high", Mitigation: "Buffer"}},
			Budget:     &types.Budget{Total: 52000},
			References: []string{"https://energy.example.gov/solar"},
		},
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(DefaultSectionWeights())
	require.NoError(t, err)
	return v
}

func TestValidate_FullPlanScores100(t *testing.T) {
	res := newTestValidator(t).Validate(fullPlan())
	assert.Equal(t, 100, res.CompletionScore)
	assert.Empty(t, res.Issues)
}

func TestValidate_MissingBudgetLosesExactlyItsWeight(t *testing.T) {
	v := newTestValidator(t)
	p := fullPlan()
	p.Content.Budget = nil

	res := v.Validate(p)
	assert.Equal(t, 100-DefaultSectionWeights().Budget, res.CompletionScore)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, SectionBudget, res.Issues[0].Section)
	assert.Equal(t, SeverityError, res.Issues[0].Severity)
}

func TestValidate_Sections(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*types.PlanContent)
		wantScore int
		wantIssue Issue
	}{
		{
			name:      "overview missing",
			mutate:    func(c *types.PlanContent) { c.Overview = nil },
			wantScore: 90,
			wantIssue: Issue{Section: SectionOverview, Severity: SeverityError},
		},
		{
			name:      "overview without summary is thin",
			mutate:    func(c *types.PlanContent) { c.Overview.Summary = "" },
			wantScore: 95,
			wantIssue: Issue{Section: SectionOverview, Severity: SeverityWarning},
		},
		{
			name:      "scope without out list is thin",
			mutate:    func(c *types.PlanContent) { c.Scope.Out = nil },
			wantScore: 93, // 92.5 rounds half away from zero
			wantIssue: Issue{Section: SectionScope, Severity: SeverityWarning},
		},
		{
			name:      "milestone with empty deliverables is thin",
			mutate:    func(c *types.PlanContent) { c.Milestones[1].Deliverables = []string{} },
			wantScore: 93,
			wantIssue: Issue{Section: SectionMilestones, Severity: SeverityWarning},
		},
		{
			name: "milestones without any due date are thin",
			mutate: func(c *types.PlanContent) {
				c.Milestones[0].DueDate = ""
			},
			wantScore: 93,
			wantIssue: Issue{Section: SectionMilestones, Severity: SeverityWarning},
		},
		{
			name:      "empty milestone list is missing",
			mutate:    func(c *types.PlanContent) { c.Milestones = []types.Milestone{} },
			wantScore: 85,
			wantIssue: Issue{Section: SectionMilestones, Severity: SeverityError},
		},
		{
			name:      "unnamed task is thin",
			mutate:    func(c *types.PlanContent) { c.Tasks[1].Name = " " },
			wantScore: 93,
			wantIssue: Issue{Section: SectionTasks, Severity: SeverityWarning},
		},
		{
			name:      "raci without accountable is thin",
			mutate:    func(c *types.PlanContent) { c.RACI[0].Accountable = "" },
			wantScore: 95,
			wantIssue: Issue{Section: SectionRACI, Severity: SeverityWarning},
		},
		{
			name:      "risks without mitigation are thin",
			mutate:    func(c *types.PlanContent) { c.Risks[0].Mitigation = "" },
			wantScore: 95,
			wantIssue: Issue{Section: SectionRisks, Severity: SeverityWarning},
		},
		{
			name:      "zero budget is thin",
			mutate:    func(c *types.PlanContent) { c.Budget.Total = 0 },
			wantScore: 93,
			wantIssue: Issue{Section: SectionBudget, Severity: SeverityWarning},
		},
		{
			name: "evidence links count as references",
			mutate: func(c *types.PlanContent) {
				c.References = nil
				c.EvidenceLinks = []string{"ev-1"}
			},
			wantScore: 100,
		},
		{
			name:      "references missing",
			mutate:    func(c *types.PlanContent) { c.References = nil },
			wantScore: 90,
			wantIssue: Issue{Section: SectionReferences, Severity: SeverityError},
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fullPlan()
			tt.mutate(&p.Content)

			res := v.Validate(p)
			assert.Equal(t, tt.wantScore, res.CompletionScore)
			if tt.wantIssue.Section == "" {
				assert.Empty(t, res.Issues)
				return
			}
			require.Len(t, res.Issues, 1)
			assert.Equal(t, tt.wantIssue.Section, res.Issues[0].Section)
			assert.Equal(t, tt.wantIssue.Severity, res.Issues[0].Severity)
			assert.NotEmpty(t, res.Issues[0].Message)
		})
	}
}

func TestValidate_EmptyPlanNeverFails(t *testing.T) {
	res := newTestValidator(t).Validate(types.Plan{ID: "empty"})
	assert.Equal(t, 0, res.CompletionScore)
	require.Len(t, res.Issues, len(Sections))
	for i, iss := range res.Issues {
		assert.Equal(t, Sections[i], iss.Section)
		assert.Equal(t, SeverityError, iss.Severity)
	}
}

func TestValidate_IssuesInSectionOrder(t *testing.T) {
	p := fullPlan()
	p.Content.References = nil
	p.Content.Budget.Total = 0
	p.Content.Overview = nil

	res := newTestValidator(t).Validate(p)
	require.Len(t, res.Issues, 3)
	assert.Equal(t, SectionOverview, res.Issues[0].Section)
	assert.Equal(t, SectionBudget, res.Issues[1].Section)
	assert.Equal(t, SectionReferences, res.Issues[2].Section)
	assert.Equal(t, 73, res.CompletionScore) // 72.5 rounds up
}

func TestSortIssues_ErrorBeforeWarningWithinSection(t *testing.T) {
	issues := []Issue{
		{Section: SectionRisks, Severity: SeverityWarning},
		{Section: SectionScope, Severity: SeverityWarning},
		{Section: SectionScope, Severity: SeverityError},
	}
	SortIssues(issues)
	assert.Equal(t, SectionScope, issues[0].Section)
	assert.Equal(t, SeverityError, issues[0].Severity)
	assert.Equal(t, SeverityWarning, issues[1].Severity)
	assert.Equal(t, SectionRisks, issues[2].Section)
}

func TestSectionWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultSectionWeights().Validate())

	w := DefaultSectionWeights()
	w.Budget = 20
	assert.ErrorIs(t, w.Validate(), ErrInvalidWeights)

	w = DefaultSectionWeights()
	w.Budget, w.Overview = -5, 30
	assert.ErrorIs(t, w.Validate(), ErrInvalidWeights)

	_, err := NewValidator(SectionWeights{Overview: 100, Scope: 1})
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestNewValidator_CustomWeights(t *testing.T) {
	w := SectionWeights{Overview: 30, Scope: 10, Milestones: 10, Tasks: 10, RACI: 10, Risks: 10, Budget: 10, References: 10}
	v, err := NewValidator(w)
	require.NoError(t, err)

	p := fullPlan()
	p.Content.Overview = nil
	assert.Equal(t, 70, v.Validate(p).CompletionScore)
}
