// ============================================================================
// planforge Plan Lifecycle Controller - 企劃狀態機
// ============================================================================
//
// Package: internal/lifecycle
// 文件: controller.go
// 功能: 依照 generate 任務的生命週期推進 Plan.status
//
// 狀態轉換 (State Machine):
//   draft ──StartGeneration──> generating
//   generating ──job succeeded──> completed（同時執行完整度驗證並寫入分數）
//   generating ──job failed──> failed
//   completed / failed ──StartGeneration──> generating（受 single-flight 限制）
//   任何非 archived 狀態 ──Archive──> archived（不可逆）
//
// 不變量:
//   status = generating 若且唯若該 plan 有進行中的 generate 任務
//   export 任務不改變 Plan.status，只透過 Job Registry 追蹤
//
// 並發安全:
//   mu 序列化所有 Plan.status 變更；任務結束的通知與 StartGeneration 不會交錯
//   讀取狀態時若 generate 任務已結束但通知尚未處理，先在鎖內補上結果
//
// ============================================================================

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/planforge/internal/completeness"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/internal/metrics"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/store"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPlanNotFound plan 不存在
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPlanNotReady plan 尚未 completed，不能匯出
	ErrPlanNotReady = errors.New("plan not ready for export")
	// ErrInvalidPlanTransition 狀態機不允許的轉換
	ErrInvalidPlanTransition = errors.New("invalid plan status transition")
	// ErrUnsupportedFormat 未知的匯出格式
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrEvidenceNotFound evidence 不存在
	ErrEvidenceNotFound = errors.New("evidence not found")
)

// DefaultMinCitationScore is the lowest overall score evidence needs to be
// passed to the generator.
const DefaultMinCitationScore = 0.4

// ============================================================================
// 資料結構定義
// ============================================================================

// Config tunes the controller.
type Config struct {
	MinCitationScore float64 // evidence below this overall score is not cited; 0 cites all
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{MinCitationScore: DefaultMinCitationScore}
}

// Deps are the collaborators the controller needs. Sources may be empty.
type Deps struct {
	Runner       JobRunner
	Plans        PlanStore
	Evidence     EvidenceStore
	Requirements RequirementStore
	Engine       *scoring.Engine
	Validator    *completeness.Validator
	Generator    Generator
	Renderer     Renderer
	Sources      []scoring.EvidenceSource
}

// Controller drives plan status from job outcomes and hosts the evidence
// operations.
type Controller struct {
	mu sync.Mutex // 序列化 Plan.status 變更

	runner    JobRunner
	plans     PlanStore
	evidence  EvidenceStore
	reqs      RequirementStore
	engine    *scoring.Engine
	validator *completeness.Validator
	generator Generator
	renderer  Renderer
	sources   []scoring.EvidenceSource

	cfg     Config
	log     *logger.Logger
	metrics *metrics.Collector
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// OutlineEntry is one section of a plan outline.
type OutlineEntry struct {
	Section completeness.Section `json:"section"`
	Items   int                  `json:"items"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New builds a controller and subscribes it to job outcomes.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Runner == nil || deps.Plans == nil || deps.Evidence == nil || deps.Requirements == nil {
		return nil, errors.New("lifecycle: runner and stores are required")
	}
	if deps.Generator == nil || deps.Renderer == nil {
		return nil, errors.New("lifecycle: generator and renderer are required")
	}
	if cfg.MinCitationScore < 0 || cfg.MinCitationScore > 1 {
		return nil, fmt.Errorf("lifecycle: min citation score %v not within [0,1]", cfg.MinCitationScore)
	}

	c := &Controller{
		runner:    deps.Runner,
		plans:     deps.Plans,
		evidence:  deps.Evidence,
		reqs:      deps.Requirements,
		engine:    deps.Engine,
		validator: deps.Validator,
		generator: deps.Generator,
		renderer:  deps.Renderer,
		sources:   deps.Sources,
		cfg:       cfg,
		log:       logger.Nop(),
	}
	if c.engine == nil {
		e, err := scoring.NewEngine(scoring.DefaultConfig())
		if err != nil {
			return nil, err
		}
		c.engine = e
	}
	if c.validator == nil {
		v, err := completeness.NewValidator(completeness.DefaultSectionWeights())
		if err != nil {
			return nil, err
		}
		c.validator = v
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("lifecycle")

	c.runner.Subscribe(c.onJobFinished)
	return c, nil
}

// StartGeneration 受理 plan 的內容生成
//
// 前置條件：plan 狀態為 draft / completed / failed
// 成功後 plan 狀態變為 generating，回傳 queued 任務
// 已有進行中的生成任務時回傳 runner.ErrAlreadyActive
func (c *Controller) StartGeneration(ctx context.Context, planID types.PlanID) (types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.currentPlanLocked(ctx, planID)
	if err != nil {
		return types.Job{}, err
	}
	switch plan.Status {
	case types.PlanDraft, types.PlanCompleted, types.PlanFailed, types.PlanGenerating:
		// generating: the runner's single-flight check rejects the submit
	default:
		c.log.Warn("Generation rejected", "plan", planID, "status", plan.Status)
		return types.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidPlanTransition, plan.Status, types.PlanGenerating)
	}

	params := map[string]string{"base_revision": strconv.Itoa(plan.Revision)}
	job, err := c.runner.Submit(ctx, types.TargetID(planID), types.KindGenerate, params, c.generationWork(planID))
	if err != nil {
		return types.Job{}, err
	}

	if err := c.plans.SetStatus(ctx, planID, types.PlanGenerating); err != nil {
		// the job is admitted; its outcome will still settle the plan
		c.log.Error("Failed to mark plan generating", "plan", planID, "jobID", job.ID, "error", err)
	}
	c.log.Info("Generation started", "plan", planID, "jobID", job.ID, "from", plan.Status)
	return job, nil
}

// StartExport 受理 plan 的匯出；plan 必須是 completed，狀態不會改變
func (c *Controller) StartExport(ctx context.Context, planID types.PlanID, format types.ExportFormat, includeEvidence bool) (types.Job, error) {
	if !format.Valid() {
		return types.Job{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	c.mu.Lock()
	plan, err := c.currentPlanLocked(ctx, planID)
	c.mu.Unlock()
	if err != nil {
		return types.Job{}, err
	}
	if plan.Status != types.PlanCompleted {
		return types.Job{}, fmt.Errorf("%w: plan %s is %s", ErrPlanNotReady, planID, plan.Status)
	}

	params := map[string]string{
		"format":           string(format),
		"include_evidence": strconv.FormatBool(includeEvidence),
		"revision":         strconv.Itoa(plan.Revision),
	}
	job, err := c.runner.Submit(ctx, types.TargetID(planID), types.KindExport, params, c.exportWork(planID, format, includeEvidence))
	if err != nil {
		return types.Job{}, err
	}
	c.log.Info("Export started", "plan", planID, "jobID", job.ID, "format", format)
	return job, nil
}

// PlanStatus returns the plan with any finished generation already applied.
func (c *Controller) PlanStatus(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPlanLocked(ctx, planID)
}

// JobStatus returns a job snapshot.
func (c *Controller) JobStatus(id types.JobID) (types.Job, error) {
	return c.runner.Status(id)
}

// LatestJob returns the most recently admitted job of kind for the plan.
func (c *Controller) LatestJob(planID types.PlanID, kind types.JobKind) (types.Job, bool) {
	return c.runner.StatusForTarget(types.TargetID(planID), kind)
}

// Jobs returns every job recorded for the plan in admission order.
func (c *Controller) Jobs(planID types.PlanID) []types.Job {
	return c.runner.ListForTarget(types.TargetID(planID))
}

// ValidatePlan runs the completeness validator without persisting anything.
func (c *Controller) ValidatePlan(ctx context.Context, planID types.PlanID) (completeness.Result, error) {
	plan, err := c.getPlan(ctx, planID)
	if err != nil {
		return completeness.Result{}, err
	}
	return c.validator.Validate(plan), nil
}

// Outline counts the entries of each section in section order.
func (c *Controller) Outline(ctx context.Context, planID types.PlanID) ([]OutlineEntry, error) {
	plan, err := c.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	pc := plan.Content
	counts := map[completeness.Section]int{
		completeness.SectionMilestones: len(pc.Milestones),
		completeness.SectionTasks:      len(pc.Tasks),
		completeness.SectionRACI:       len(pc.RACI),
		completeness.SectionRisks:      len(pc.Risks),
		completeness.SectionReferences: len(pc.References) + len(pc.EvidenceLinks),
	}
	if pc.Overview != nil {
		counts[completeness.SectionOverview] = 1
	}
	if pc.Scope != nil {
		counts[completeness.SectionScope] = len(pc.Scope.In) + len(pc.Scope.Out)
	}
	if pc.Budget != nil {
		counts[completeness.SectionBudget] = len(pc.Budget.Breakdown)
	}

	out := make([]OutlineEntry, 0, len(completeness.Sections))
	for _, s := range completeness.Sections {
		out = append(out, OutlineEntry{Section: s, Items: counts[s]})
	}
	return out, nil
}

// Archive moves a plan to archived. Archived is terminal, and a plan with a
// generation in flight cannot be archived.
func (c *Controller) Archive(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.currentPlanLocked(ctx, planID)
	if err != nil {
		return types.Plan{}, err
	}
	// a generating plan always has an active generation job; archiving it
	// would leave that job settling an archived plan
	if plan.Status == types.PlanArchived || plan.Status == types.PlanGenerating {
		c.log.Warn("Archive rejected", "plan", planID, "status", plan.Status)
		return types.Plan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidPlanTransition, plan.Status, types.PlanArchived)
	}
	if err := c.plans.SetStatus(ctx, planID, types.PlanArchived); err != nil {
		return types.Plan{}, err
	}
	c.log.Info("Plan archived", "plan", planID, "from", plan.Status)
	plan.Status = types.PlanArchived
	return plan, nil
}

// DeletePlan removes the plan and purges its job records. Plans with an
// active job of either kind are kept.
func (c *Controller) DeletePlan(ctx context.Context, planID types.PlanID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.currentPlanLocked(ctx, planID); err != nil {
		return err
	}
	for _, kind := range []types.JobKind{types.KindGenerate, types.KindExport} {
		if job, ok := c.runner.StatusForTarget(types.TargetID(planID), kind); ok && job.State.Active() {
			return fmt.Errorf("%w: %s job %s is %s", ErrInvalidPlanTransition, kind, job.ID, job.State)
		}
	}
	if err := c.plans.Delete(ctx, planID); err != nil {
		return c.mapStoreErr(err, planID)
	}
	purged, err := c.runner.PurgeTarget(ctx, types.TargetID(planID))
	if err != nil {
		return fmt.Errorf("purge jobs of %s: %w", planID, err)
	}
	c.log.Info("Plan deleted", "plan", planID, "jobsPurged", len(purged))
	return nil
}

// PurgeJobsOlderThan drops finished job records older than age.
func (c *Controller) PurgeJobsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	purged, err := c.runner.PurgeFinishedBefore(ctx, time.Now().Add(-age))
	return len(purged), err
}

// ============================================================================
// 任務主體
// ============================================================================

// generationWork loads the requirement and current content, cites evidence
// scoring at least MinCitationScore, and writes the generated content back.
func (c *Controller) generationWork(planID types.PlanID) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		plan, err := c.getPlan(ctx, planID)
		if err != nil {
			return "", err
		}
		req, err := c.reqs.Get(ctx, plan.RequirementID)
		if err != nil {
			return "", fmt.Errorf("load requirement %q: %w", plan.RequirementID, err)
		}
		cited, err := c.citableEvidence(ctx, planID)
		if err != nil {
			return "", err
		}

		content, err := c.generator.Generate(ctx, req, plan.Content, cited)
		if err != nil {
			return "", fmt.Errorf("generate: %w", err)
		}
		updated, err := c.plans.UpdateContent(ctx, planID, content)
		if err != nil {
			return "", fmt.Errorf("store content: %w", err)
		}
		c.recordCitations(ctx, updated, cited)
		return ContentRef(planID, updated.Revision), nil
	}
}

func (c *Controller) exportWork(planID types.PlanID, format types.ExportFormat, includeEvidence bool) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		plan, err := c.getPlan(ctx, planID)
		if err != nil {
			return "", err
		}
		req := RenderRequest{Plan: plan, Format: format}
		if includeEvidence {
			if req.Evidence, err = c.evidence.ListForPlan(ctx, planID); err != nil {
				return "", fmt.Errorf("load evidence: %w", err)
			}
		}
		path, err := c.renderer.Render(ctx, req)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", format, err)
		}
		return path, nil
	}
}

// ContentRef is the result payload of a successful generation.
func ContentRef(planID types.PlanID, revision int) string {
	return fmt.Sprintf("plan/%s/rev/%d", planID, revision)
}

func (c *Controller) citableEvidence(ctx context.Context, planID types.PlanID) ([]types.Evidence, error) {
	all, err := c.evidence.ListForPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	var out []types.Evidence
	for _, ev := range all {
		if c.engine.StoredOverall(ev) >= c.cfg.MinCitationScore {
			out = append(out, ev)
		}
	}
	return out, nil
}

// recordCitations appends a usage record for every cited evidence id the new
// content links to.
func (c *Controller) recordCitations(ctx context.Context, plan types.Plan, cited []types.Evidence) {
	linked := make(map[string]struct{}, len(plan.Content.EvidenceLinks))
	for _, id := range plan.Content.EvidenceLinks {
		linked[id] = struct{}{}
	}
	for _, ev := range cited {
		if _, ok := linked[ev.ID]; !ok {
			continue
		}
		usage := types.EvidenceUsage{
			PlanID:  plan.ID,
			Section: string(completeness.SectionReferences),
			Context: ContentRef(plan.ID, plan.Revision),
		}
		if err := c.evidence.AppendUsage(ctx, ev.ID, usage); err != nil {
			c.log.Warn("Failed to record citation", "plan", plan.ID, "evidence", ev.ID, "error", err)
		}
	}
}

// ============================================================================
// 任務結果處理
// ============================================================================

// onJobFinished settles the plan once its generation job is terminal. Jobs
// that are no longer the plan's latest generation are ignored.
func (c *Controller) onJobFinished(job types.Job) {
	if job.Kind != types.KindGenerate {
		return
	}
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	plan, err := c.plans.Get(ctx, types.PlanID(job.Target))
	if err != nil {
		c.log.Debug("Finished job for unknown plan", "jobID", job.ID, "plan", job.Target)
		return
	}
	if plan.Status != types.PlanGenerating {
		return
	}
	latest, ok := c.runner.StatusForTarget(job.Target, types.KindGenerate)
	if !ok || latest.ID != job.ID {
		return
	}
	c.settleLocked(ctx, plan, job)
}

// currentPlanLocked loads the plan and applies a finished generation whose
// notification has not been handled yet. Caller holds c.mu.
func (c *Controller) currentPlanLocked(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	plan, err := c.getPlan(ctx, planID)
	if err != nil {
		return types.Plan{}, err
	}
	if plan.Status != types.PlanGenerating {
		return plan, nil
	}
	job, ok := c.runner.StatusForTarget(types.TargetID(planID), types.KindGenerate)
	if ok && job.State.Active() {
		return plan, nil
	}
	if !ok {
		// generating with no job on record: the registry lost it
		job = types.Job{Target: types.TargetID(planID), Kind: types.KindGenerate, State: types.StateFailed, Error: "generation job missing"}
	}
	// reload: the finished job may have written new content
	if plan, err = c.getPlan(ctx, planID); err != nil {
		return types.Plan{}, err
	}
	return c.settleLocked(ctx, plan, job), nil
}

// settleLocked moves a generating plan to completed or failed. On success the
// validator runs and its score is stored with the transition.
func (c *Controller) settleLocked(ctx context.Context, plan types.Plan, job types.Job) types.Plan {
	to := types.PlanFailed
	if job.State == types.StateSucceeded {
		to = types.PlanCompleted
		result := c.validator.Validate(plan)
		if err := c.plans.SetCompletionScore(ctx, plan.ID, result.CompletionScore); err != nil {
			c.log.Error("Failed to store completion score", "plan", plan.ID, "error", err)
		} else {
			plan.CompletionScore = result.CompletionScore
			c.metrics.ObserveCompletion(result.CompletionScore)
		}
	}
	if err := c.plans.SetStatus(ctx, plan.ID, to); err != nil {
		c.log.Error("Failed to settle plan", "plan", plan.ID, "jobID", job.ID, "to", to, "error", err)
		return plan
	}
	plan.Status = to

	if to == types.PlanFailed {
		c.log.Warn("Generation failed", "plan", plan.ID, "jobID", job.ID, "error", job.Error)
	} else {
		c.log.Info("Generation completed", "plan", plan.ID, "jobID", job.ID, "score", plan.CompletionScore)
	}
	return plan
}

func (c *Controller) getPlan(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	plan, err := c.plans.Get(ctx, planID)
	if err != nil {
		return types.Plan{}, c.mapStoreErr(err, planID)
	}
	return plan, nil
}

func (c *Controller) mapStoreErr(err error, planID types.PlanID) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return err
}
