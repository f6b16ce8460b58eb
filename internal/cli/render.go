package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/planforge/internal/completeness"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func stateStyle(s string) lipgloss.Style {
	switch s {
	case string(types.StateSucceeded), string(types.PlanCompleted):
		return okStyle
	case string(types.StateFailed): // types.PlanFailed has the same value ("failed")
		return errStyle
	case string(types.StateQueued), string(types.StateRunning), string(types.PlanGenerating):
		return warnStyle
	}
	return lipgloss.NewStyle()
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

// renderStatus is the boxed report printed by `planforge status`.
func renderStatus(plan types.Plan, jobs []types.Job) string {
	lines := []string{
		titleStyle.Render("Plan " + string(plan.ID)),
		row("Status", stateStyle(string(plan.Status)).Render(string(plan.Status))),
		row("Completion", fmt.Sprintf("%d / 100", plan.CompletionScore)),
		row("Revision", fmt.Sprintf("%d", plan.Revision)),
		row("Requirement", plan.RequirementID),
	}
	if plan.Content.Overview != nil && plan.Content.Overview.Title != "" {
		lines = append(lines, row("Title", plan.Content.Overview.Title))
	}

	lines = append(lines, "", titleStyle.Render(fmt.Sprintf("Jobs (%d)", len(jobs))))
	if len(jobs) == 0 {
		lines = append(lines, "  none")
	}
	for _, j := range jobs {
		line := fmt.Sprintf("  %-8s %s  %s", j.Kind, stateStyle(string(j.State)).Render(fmt.Sprintf("%-9s", j.State)), j.ID)
		if j.Result != "" {
			line += "  -> " + j.Result
		}
		if j.Error != "" {
			line += "  " + errStyle.Render(j.Error)
		}
		lines = append(lines, line)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderValidation lists the completeness score and issues.
func renderValidation(res completeness.Result) string {
	lines := []string{titleStyle.Render(fmt.Sprintf("Completion score: %d / 100", res.CompletionScore))}
	if len(res.Issues) == 0 {
		lines = append(lines, okStyle.Render("no issues"))
	}
	for _, is := range res.Issues {
		style := warnStyle
		if is.Severity == completeness.SeverityError {
			style = errStyle
		}
		lines = append(lines, fmt.Sprintf("  %s %-11s %s", style.Render(fmt.Sprintf("%-7s", is.Severity)), is.Section, is.Message))
	}
	return strings.Join(lines, "\n")
}

func renderScores(id string, s scoring.Scores) string {
	return boxStyle.Render(strings.Join([]string{
		titleStyle.Render("Evidence " + id),
		row("Relevance", fmt.Sprintf("%.3f", s.Relevance)),
		row("Authority", fmt.Sprintf("%.3f", s.Authority)),
		row("Timeliness", fmt.Sprintf("%.3f", s.Timeliness)),
		row("Overall", fmt.Sprintf("%.3f", s.Overall)),
	}, "\n"))
}

func renderRanked(ranked []scoring.Ranked) string {
	if len(ranked) == 0 {
		return "no candidates"
	}
	lines := make([]string, 0, len(ranked)+1)
	lines = append(lines, titleStyle.Render(fmt.Sprintf("%-6s %-8s %-12s %s", "#", "overall", "source", "evidence")))
	for i, r := range ranked {
		lines = append(lines, fmt.Sprintf("%-6d %-8.3f %-12s %s  %s", i+1, r.Scores.Overall, r.Source, r.Evidence.ID, r.Evidence.Title))
	}
	return strings.Join(lines, "\n")
}

func printJob(w io.Writer, job types.Job) {
	fmt.Fprintf(w, "%s job %s: %s\n", job.Kind, job.ID, stateStyle(string(job.State)).Render(string(job.State)))
	if job.Result != "" {
		fmt.Fprintf(w, "  result: %s\n", job.Result)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  error:  %s\n", job.Error)
	}
	if job.FinishedAt != nil && job.StartedAt != nil {
		fmt.Fprintf(w, "  took:   %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
}
