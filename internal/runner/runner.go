// ============================================================================
// planforge Runner - 任務執行協調器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 受理 generate / export 任務、交給 Worker Pool 執行、記錄結果並持久化
//
// 架構設計:
//   Runner 協調以下組件：
//   - JobManager: 任務登記表（queued/running/succeeded/failed，single-flight）
//   - Journal: 任務記錄持久化（WAL + 快照，或 SQL）
//   - WorkerPool: 實際執行任務主體
//   - Metrics / Tracing: 任務計數、延遲與 span
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 從 queued 佇列取任務交給 worker（定時 + Submit 時喚醒）
//   2. Result Loop - 接收 worker 執行結果，記錄 succeeded / failed，通知訂閱者
//   3. Snapshot Loop - 定期建立快照並旋轉 WAL
//
// 啟動恢復流程:
//   1. Journal.Load() - 快照 + 重放 WAL（或讀取 SQL）
//   2. 重啟前仍為 queued / running 的任務標記為 failed（任務主體已不存在）
//   不自動重試：重新執行就是新的 Submit
//
// 並發安全:
//   - mu 讓「登記表變更 + 寫入 journal」成為一個整體，快照因此與 journal 位置一致
//   - 查詢直接讀 JobManager，不會被任務執行阻塞
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/planforge/internal/jobmanager"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/internal/metrics"
	"github.com/ChuLiYu/planforge/internal/worker"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyActive 同一目標已有相同種類的進行中任務
	ErrAlreadyActive = jobmanager.ErrAlreadyActive
	// ErrJobPanicked 任務主體 panic，任務記為 failed
	ErrJobPanicked = worker.ErrTaskPanicked
	// ErrJobTimedOut 任務主體在 JobTimeout 後仍未返回，任務記為 failed
	ErrJobTimedOut = worker.ErrTaskTimedOut
	// ErrRunnerStopped Runner 已停止，不再受理任務
	ErrRunnerStopped = errors.New("runner stopped")
	// ErrRunnerNotStarted Runner 尚未完成啟動恢復
	ErrRunnerNotStarted = errors.New("runner not started")
)

const (
	// RestartAbandonReason is the error recorded on jobs found active at startup.
	RestartAbandonReason = "interrupted by restart"
	// StopAbandonReason is the error recorded on jobs still queued when the runner stops.
	StopAbandonReason = "runner stopped before the job started"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Runner 配置
type Config struct {
	WorkerCount      int           // Worker 數量
	JobTimeout       time.Duration // 單一任務執行超時，0 表示不限制
	QueueSize        int           // Worker Pool 任務與結果緩衝大小
	SnapshotInterval time.Duration // 快照間隔，0 表示只在 Stop 時建立
	DispatchInterval time.Duration // 調度輪詢間隔
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      4,
		JobTimeout:       10 * time.Minute,
		QueueSize:        100,
		SnapshotInterval: 5 * time.Minute,
		DispatchInterval: 100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.JobTimeout < 0 {
		c.JobTimeout = 0
	}
	return c
}

// Runner 任務執行協調器
type Runner struct {
	mu      sync.Mutex // 保護登記表變更與 journal 寫入的順序
	jobs    *jobmanager.JobManager
	journal Journal
	pool    *worker.Pool
	cfg     Config
	work    map[types.JobID]worker.Work // 尚未交給 worker 的任務主體

	log     *logger.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	subsMu sync.RWMutex
	subs   []func(types.Job)

	kick    chan struct{}
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics sets the metrics collector. A nil collector records nothing.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer sets the tracer used for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithJobManager replaces the registry, mainly for deterministic ids in tests.
func WithJobManager(jm *jobmanager.JobManager) Option {
	return func(r *Runner) { r.jobs = jm }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Runner；journal 為 nil 時任務只存在記憶體中
func New(cfg Config, journal Journal, opts ...Option) *Runner {
	cfg = cfg.withDefaults()
	if journal == nil {
		journal = nopJournal{}
	}
	r := &Runner{
		jobs:    jobmanager.NewJobManager(),
		journal: journal,
		pool:    worker.NewPool(cfg.QueueSize),
		cfg:     cfg,
		work:    make(map[types.JobID]worker.Work),
		log:     logger.Nop(),
		tracer:  otel.Tracer("github.com/ChuLiYu/planforge/internal/runner"),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("runner")
	return r
}

// Start 執行啟動恢復並啟動 Worker Pool 與核心循環
//
// 流程：
//  1. 恢復階段：Journal.Load -> Restore -> 將 queued / running 任務標記為 failed
//  2. 啟動階段：啟動 Worker Pool 和三個核心循環
func (r *Runner) Start(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerStopped
	}
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}

	data, err := r.journal.Load(ctx)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("load journal: %w", err)
	}
	if err := r.jobs.Restore(data); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("restore registry: %w", err)
	}
	abandoned := r.abandonActiveLocked(ctx, RestartAbandonReason)

	if err := r.pool.Start(r.cfg.WorkerCount); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	r.started = true
	r.mu.Unlock()

	r.loopWg.Add(2)
	go r.dispatchLoop()
	go r.resultLoop()
	if r.cfg.SnapshotInterval > 0 {
		r.loopWg.Add(1)
		go r.snapshotLoop()
	}

	r.metrics.SetRecoveryTime(time.Since(start))
	r.updateActive()
	r.log.Info("Recovery completed",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"abandoned", len(abandoned))

	for _, job := range abandoned {
		r.notify(job)
	}

	r.log.Info("Runner started", "workers", r.cfg.WorkerCount)
	return nil
}

// Submit 受理一個任務並立即回傳
//
// 行為：
//   - 同一 (target, kind) 已有進行中任務：回傳 ErrAlreadyActive，不建立任務
//   - 否則寫入 journal（ADMIT）後排入佇列，回傳 queued 任務
//
// ctx 只作用於受理本身；任務主體在背景以 Config.JobTimeout 執行
func (r *Runner) Submit(ctx context.Context, target types.TargetID, kind types.JobKind, params map[string]string, work worker.Work) (types.Job, error) {
	if work == nil {
		return types.Job{}, fmt.Errorf("%w: nil work", jobmanager.ErrInvalidRequest)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return types.Job{}, ErrRunnerStopped
	}
	if !r.started {
		r.mu.Unlock()
		return types.Job{}, ErrRunnerNotStarted
	}

	job, err := r.jobs.Admit(target, kind, params)
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, ErrAlreadyActive) {
			r.metrics.RecordRejected(string(kind))
			r.log.Debug("Submission rejected", "target", target, "kind", kind, "error", err)
		}
		return types.Job{}, err
	}

	if err := r.journal.Record(ctx, types.EventAdmit, job); err != nil {
		r.jobs.Forget(job.ID)
		r.mu.Unlock()
		r.log.Error("Failed to journal admission", "jobID", job.ID, "error", err)
		return types.Job{}, fmt.Errorf("journal admission: %w", err)
	}
	r.work[job.ID] = r.traced(job, work)
	r.mu.Unlock()

	r.metrics.RecordAdmitted(string(kind))
	r.updateActive()
	r.log.Info("Job admitted", "jobID", job.ID, "target", target, "kind", kind)
	r.wake()
	return job, nil
}

// Subscribe registers fn to be called with every job that reaches a terminal
// state, including jobs failed during startup recovery. Calls are sequential.
func (r *Runner) Subscribe(fn func(types.Job)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, fn)
}

// Status 查詢任務；任務執行中也不會阻塞
func (r *Runner) Status(id types.JobID) (types.Job, error) {
	return r.jobs.Status(id)
}

// StatusForTarget 回傳 target 最近一次受理的該種類任務
func (r *Runner) StatusForTarget(target types.TargetID, kind types.JobKind) (types.Job, bool) {
	return r.jobs.StatusForTarget(target, kind)
}

// ListForTarget 回傳 target 的所有任務，依受理順序
func (r *Runner) ListForTarget(target types.TargetID) []types.Job {
	return r.jobs.ListForTarget(target)
}

// Stats 回傳各狀態任務數
func (r *Runner) Stats() map[string]int {
	return r.jobs.Stats()
}

// PurgeTarget 刪除 target 已結束的任務並寫入 journal；進行中任務保留
func (r *Runner) PurgeTarget(ctx context.Context, target types.TargetID) ([]types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordPurgeLocked(ctx, r.jobs.PurgeTarget(target))
}

// PurgeFinishedBefore 刪除在 cutoff 之前結束的任務並寫入 journal
func (r *Runner) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) ([]types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordPurgeLocked(ctx, r.jobs.PurgeFinishedBefore(cutoff))
}

func (r *Runner) recordPurgeLocked(ctx context.Context, removed []types.Job) ([]types.Job, error) {
	for _, job := range removed {
		if err := r.journal.Record(ctx, types.EventPurge, job); err != nil {
			return removed, fmt.Errorf("journal purge of %s: %w", job.ID, err)
		}
	}
	if len(removed) > 0 {
		r.log.Info("Jobs purged", "count", len(removed))
	}
	return removed, nil
}

// Checkpoint 建立快照並壓縮 journal
func (r *Runner) Checkpoint(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	data := r.jobs.Snapshot()
	err := r.journal.Checkpoint(ctx, data)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.log.Info("Snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs))
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 調度 queued 任務給 Worker Pool
func (r *Runner) dispatchLoop() {
	defer r.loopWg.Done()
	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.log.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
		case <-r.kick:
		}

		// 再次檢查是否已停止（避免在 ticker 觸發後才收到 stop 信號）
		select {
		case <-r.stopCh:
			r.log.Debug("Dispatch loop stopped")
			return
		default:
		}

		r.dispatchQueued()
	}
}

func (r *Runner) dispatchQueued() {
	for {
		job, ok := r.jobs.PopQueued()
		if !ok {
			return
		}

		r.mu.Lock()
		work := r.work[job.ID]
		r.mu.Unlock()
		if work == nil {
			r.log.Error("Queued job has no work", "jobID", job.ID)
			continue
		}

		id := job.ID
		task := worker.Task{
			ID:      id,
			Work:    work,
			Timeout: r.cfg.JobTimeout,
			OnStart: func() error { return r.markRunning(id) },
		}
		if err := r.pool.Submit(task); err != nil {
			// 停止過程中 Pool 已關閉；剩下的 queued 任務在 Stop 時標記為 failed
			if !errors.Is(err, worker.ErrPoolClosed) {
				r.log.Error("Failed to submit task", "jobID", id, "error", err)
			}
			return
		}
	}
}

// markRunning is called by the worker right before the job body runs.
func (r *Runner) markRunning(id types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.jobs.MarkRunning(id)
	if err != nil {
		return err
	}
	if err := r.journal.Record(context.Background(), types.EventStart, job); err != nil {
		r.log.Error("Failed to journal start", "jobID", id, "error", err)
	}
	return nil
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉且所有結果都已處理為止
func (r *Runner) resultLoop() {
	defer r.loopWg.Done()
	for {
		result, err := r.pool.ReceiveResult()
		if err != nil {
			r.log.Debug("Result loop stopped")
			return
		}
		r.handleResult(result)
	}
}

// handleResult 記錄單個任務結果
func (r *Runner) handleResult(result worker.Result) {
	if !result.Started {
		r.mu.Lock()
		delete(r.work, result.JobID)
		r.mu.Unlock()
		r.log.Warn("Job was not started", "jobID", result.JobID, "error", result.Err)
		return
	}

	r.mu.Lock()
	delete(r.work, result.JobID)

	var (
		job   types.Job
		err   error
		event types.JobEvent
	)
	if result.Err != nil {
		job, err = r.jobs.MarkFailed(result.JobID, result.Err.Error())
		event = types.EventFail
	} else {
		job, err = r.jobs.MarkSucceeded(result.JobID, result.Output)
		event = types.EventSucceed
	}
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("Dropping job result", "jobID", result.JobID, "error", err)
		return
	}
	if jerr := r.journal.Record(context.Background(), event, job); jerr != nil {
		r.log.Error("Failed to journal result", "jobID", job.ID, "event", event, "error", jerr)
	}
	r.mu.Unlock()

	r.metrics.RecordFinished(string(job.Kind), string(job.State), job.Duration())
	r.updateActive()

	if job.State == types.StateFailed {
		r.log.Warn("Job failed", "jobID", job.ID, "target", job.Target, "kind", job.Kind, "error", job.Error)
	} else {
		r.log.Info("Job succeeded", "jobID", job.ID, "target", job.Target, "kind", job.Kind, "duration", result.Duration)
	}
	r.notify(job)
}

// snapshotLoop 定期生成快照
func (r *Runner) snapshotLoop() {
	defer r.loopWg.Done()
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := r.Checkpoint(context.Background()); err != nil {
				r.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Runner
//
// 關閉順序：
//  1. close(stopCh)  → dispatch / snapshot 循環退出
//  2. pool.Stop()    → 等待執行中的任務完成；resultLoop 處理完所有結果後退出
//  3. loopWg.Wait()  → 確認所有循環已退出
//  4. 尚未開始的任務標記為 failed
//  5. 最後一次快照，關閉 journal
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	r.log.Info("Stopping runner...")

	if started {
		close(r.stopCh)
		pending := r.pool.Stop()
		r.loopWg.Wait()

		r.mu.Lock()
		abandoned := r.abandonActiveLocked(context.Background(), StopAbandonReason)
		r.mu.Unlock()
		r.updateActive()
		if len(abandoned) > 0 {
			r.log.Warn("Jobs abandoned at shutdown", "count", len(abandoned), "undelivered", len(pending))
		}
		for _, job := range abandoned {
			r.notify(job)
		}

		if err := r.Checkpoint(context.Background()); err != nil {
			r.log.Error("Failed to take final snapshot", "error", err)
		}
	}

	if err := r.journal.Close(); err != nil {
		r.log.Error("Failed to close journal", "error", err)
	}
	r.log.Info("Runner stopped")
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// abandonActiveLocked fails every queued or running job. Caller holds r.mu.
func (r *Runner) abandonActiveLocked(ctx context.Context, reason string) []types.Job {
	var abandoned []types.Job
	for _, id := range r.jobs.ActiveJobs() {
		job, err := r.jobs.Abandon(id, reason)
		if err != nil {
			r.log.Error("Failed to abandon job", "jobID", id, "error", err)
			continue
		}
		delete(r.work, id)
		if err := r.journal.Record(ctx, types.EventAbandon, job); err != nil {
			r.log.Error("Failed to journal abandon", "jobID", id, "error", err)
		}
		r.metrics.RecordFinished(string(job.Kind), string(job.State), 0)
		abandoned = append(abandoned, job)
	}
	return abandoned
}

// traced wraps work in a span named after the job kind.
func (r *Runner) traced(job types.Job, work worker.Work) worker.Work {
	return func(ctx context.Context) (string, error) {
		ctx, span := r.tracer.Start(ctx, "job."+string(job.Kind),
			trace.WithAttributes(
				attribute.String("job.id", string(job.ID)),
				attribute.String("job.kind", string(job.Kind)),
				attribute.String("job.target", string(job.Target)),
			))
		defer span.End()

		out, err := work(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		return out, err
	}
}

func (r *Runner) notify(job types.Job) {
	r.subsMu.RLock()
	subs := append([]func(types.Job){}, r.subs...)
	r.subsMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("Job subscriber panicked", "jobID", job.ID, "panic", p)
				}
			}()
			fn(job.Clone())
		}()
	}
}

func (r *Runner) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) updateActive() {
	stats := r.jobs.Stats()
	r.metrics.SetActive(stats["queued"] + stats["running"])
}
