package lifecycle

import (
	"context"
	"time"

	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/worker"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// PlanStore is the explicit mutation contract for plans. UpdateContent never
// touches status or completion score; those change only through SetStatus and
// SetCompletionScore, which only this package calls.
type PlanStore interface {
	Get(ctx context.Context, id types.PlanID) (types.Plan, error)
	UpdateContent(ctx context.Context, id types.PlanID, content types.PlanContent) (types.Plan, error)
	SetStatus(ctx context.Context, id types.PlanID, status types.PlanStatus) error
	SetCompletionScore(ctx context.Context, id types.PlanID, score int) error
	Delete(ctx context.Context, id types.PlanID) error
}

// EvidenceStore is the explicit mutation contract for evidence. Update takes
// no score fields; ApplyScores is reserved for engine output.
type EvidenceStore interface {
	Get(ctx context.Context, id string) (types.Evidence, error)
	ListForPlan(ctx context.Context, planID types.PlanID) ([]types.Evidence, error)
	Update(ctx context.Context, id string, u types.EvidenceUpdate) (types.Evidence, error)
	ApplyScores(ctx context.Context, id string, s scoring.Scores) error
	AppendUsage(ctx context.Context, id string, usage types.EvidenceUsage) error
}

// RequirementStore reads requirement snapshots.
type RequirementStore interface {
	Get(ctx context.Context, id string) (types.RequirementSnapshot, error)
}

// Generator produces updated plan content from a requirement, the current
// content and the evidence it may cite.
type Generator interface {
	Generate(ctx context.Context, req types.RequirementSnapshot, current types.PlanContent, evidence []types.Evidence) (types.PlanContent, error)
}

// RenderRequest is everything a renderer needs for one artifact.
type RenderRequest struct {
	Plan     types.Plan
	Format   types.ExportFormat
	Evidence []types.Evidence // empty unless evidence was requested
}

// Renderer turns a completed plan into a file and returns its path.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// JobRunner is the part of the runner the controller drives.
type JobRunner interface {
	Submit(ctx context.Context, target types.TargetID, kind types.JobKind, params map[string]string, work worker.Work) (types.Job, error)
	Status(id types.JobID) (types.Job, error)
	StatusForTarget(target types.TargetID, kind types.JobKind) (types.Job, bool)
	ListForTarget(target types.TargetID) []types.Job
	PurgeTarget(ctx context.Context, target types.TargetID) ([]types.Job, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) ([]types.Job, error)
	Subscribe(fn func(types.Job))
}
