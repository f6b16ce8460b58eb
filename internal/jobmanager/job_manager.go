// ============================================================================
// planforge Job Registry - 任務登記與狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理 generate / export 任務的生命週期，保證 single-flight
//
// 設計理念:
//   沿用混合式設計：
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 狀態索引 - queued 佇列、running/succeeded/failed maps 提供快速查詢
//   3. active 索引 - (target, kind) -> JobID，admission 時 O(1) 檢查
//   4. latest 索引 - (target, kind) -> 最近一次 admit 的 JobID
//
// 任務狀態轉換 (State Machine):
//   Queued (待處理)
//      ↓ PopQueued() + MarkRunning()
//   Running (執行中)
//      ↓ MarkSucceeded() 或 MarkFailed()
//   Succeeded / Failed (終態)
//
// 狀態轉換規則:
//   - 只能單步向前，不可跳過、不可回退
//   - 終態之後的任何 Transition 都回傳 ErrInvalidTransition，任務保持不變
//   - 不支援重試：重新執行就是新的 Admit
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - Admit 的檢查與寫入在同一把鎖內完成
//   - 對外只回傳 types.Job 的副本，呼叫端不會拿到內部指標
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一 (target, kind) 已有 queued / running 任務
	ErrAlreadyActive = errors.New("job already active for target")
	// 非法狀態轉換（跳步、回退或終態後再轉換）
	ErrInvalidTransition = errors.New("invalid job state transition")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// Admit 參數不合法
	ErrInvalidRequest = errors.New("invalid job request")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type activeKey struct {
	target types.TargetID
	kind   types.JobKind
}

// JobManager is the job registry.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*types.Job // 所有任務
	queue     []types.JobID              // queued 任務，FIFO
	running   map[types.JobID]*types.Job // 執行中
	succeeded map[types.JobID]*types.Job // 成功
	failed    map[types.JobID]*types.Job // 失敗
	active    map[activeKey]types.JobID  // single-flight 索引
	latest    map[activeKey]types.JobID  // 最近一次 admit
	order     map[types.JobID]uint64     // admission 順序
	nextOrder uint64

	now   func() time.Time
	newID func() types.JobID
}

// Option customises a JobManager.
type Option func(*JobManager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) { jm.now = now }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() types.JobID) Option {
	return func(jm *JobManager) { jm.newID = gen }
}

// NewJobManager 建立新的任務登記表
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		now:   time.Now,
		newID: func() types.JobID { return types.JobID(uuid.NewString()) },
	}
	jm.reset()
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

func (jm *JobManager) reset() {
	jm.jobs = make(map[types.JobID]*types.Job)
	jm.queue = make([]types.JobID, 0)
	jm.running = make(map[types.JobID]*types.Job)
	jm.succeeded = make(map[types.JobID]*types.Job)
	jm.failed = make(map[types.JobID]*types.Job)
	jm.active = make(map[activeKey]types.JobID)
	jm.latest = make(map[activeKey]types.JobID)
	jm.order = make(map[types.JobID]uint64)
	jm.nextOrder = 0
}

// Admit 建立新任務並設為 queued
//
// 參數說明：
//   - target: 目標文件 ID（plan id）
//   - kind: generate 或 export
//   - params: 任務參數（例如 export format），會被複製
//
// 返回值：
//   - types.Job: 新任務的副本
//   - error: ErrAlreadyActive（同一 target+kind 已有進行中任務）或 ErrInvalidRequest
//
// 併發安全：檢查與寫入在同一把鎖內，兩個並發的 Admit 只會有一個成功
func (jm *JobManager) Admit(target types.TargetID, kind types.JobKind, params map[string]string) (types.Job, error) {
	if strings.TrimSpace(string(target)) == "" {
		return types.Job{}, fmt.Errorf("%w: empty target", ErrInvalidRequest)
	}
	if !kind.Valid() {
		return types.Job{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	key := activeKey{target: target, kind: kind}
	if id, busy := jm.active[key]; busy {
		return types.Job{}, fmt.Errorf("%w: %s job %s for %s", ErrAlreadyActive, kind, id, target)
	}

	job := types.Job{
		ID:       jm.newID(),
		Target:   target,
		Kind:     kind,
		State:    types.StateQueued,
		QueuedAt: jm.now(),
		Params:   params,
	}
	job = job.Clone()
	if _, dup := jm.jobs[job.ID]; dup {
		return types.Job{}, fmt.Errorf("%w: duplicate job id %s", ErrInvalidRequest, job.ID)
	}

	jm.insertLocked(&job)
	return job.Clone(), nil
}

// PopQueued 取出最早的 queued 任務，但不改變其狀態
//
// 返回值：
//   - types.Job: 任務副本
//   - bool: 佇列為空時為 false
func (jm *JobManager) PopQueued() (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		if job, ok := jm.jobs[id]; ok && job.State == types.StateQueued {
			return job.Clone(), true
		}
	}
	return types.Job{}, false
}

// Transition 將任務單步向前推進
//
// 參數說明：
//   - id: 任務 ID
//   - to: 目標狀態
//   - result: succeeded 時的結果（內容參考或檔案路徑）
//   - errMsg: failed 時的錯誤描述
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrInvalidTransition: 非單步向前；任務保持原狀
func (jm *JobManager) Transition(id types.JobID, to types.JobState, result, errMsg string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	from := job.State
	if !types.CanTransition(from, to) {
		return job.Clone(), fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, id, from, to)
	}

	now := jm.now()
	jm.unindexLocked(job)
	job.State = to
	switch to {
	case types.StateRunning:
		job.StartedAt = &now
	case types.StateSucceeded:
		job.FinishedAt = &now
		job.Result = result
	case types.StateFailed:
		job.FinishedAt = &now
		job.Error = errMsg
	}
	jm.indexLocked(job)
	return job.Clone(), nil
}

// MarkRunning queued -> running.
func (jm *JobManager) MarkRunning(id types.JobID) (types.Job, error) {
	return jm.Transition(id, types.StateRunning, "", "")
}

// MarkSucceeded running -> succeeded with the result payload.
func (jm *JobManager) MarkSucceeded(id types.JobID, result string) (types.Job, error) {
	return jm.Transition(id, types.StateSucceeded, result, "")
}

// MarkFailed running -> failed with error detail.
func (jm *JobManager) MarkFailed(id types.JobID, errMsg string) (types.Job, error) {
	return jm.Transition(id, types.StateFailed, "", errMsg)
}

// Abandon fails a queued or running job whose work can no longer run (lost in
// a restart). It may skip the running step; it is never used on the normal path.
func (jm *JobManager) Abandon(id types.JobID, errMsg string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.Terminal() {
		return job.Clone(), fmt.Errorf("%w: job %s already %s", ErrInvalidTransition, id, job.State)
	}
	now := jm.now()
	jm.unindexLocked(job)
	job.State = types.StateFailed
	job.FinishedAt = &now
	job.Error = errMsg
	jm.indexLocked(job)
	return job.Clone(), nil
}

// Status 取得任務副本；不會等待執行中的任務
func (jm *JobManager) Status(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// StatusForTarget 取得 (target, kind) 最近一次 admit 的任務
func (jm *JobManager) StatusForTarget(target types.TargetID, kind types.JobKind) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	id, ok := jm.latest[activeKey{target: target, kind: kind}]
	if !ok {
		return types.Job{}, false
	}
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// ListForTarget returns every job for target in admission order.
func (jm *JobManager) ListForTarget(target types.TargetID) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []types.Job
	for _, job := range jm.jobs {
		if job.Target == target {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return jm.order[out[i].ID] < jm.order[out[j].ID] })
	return out
}

// ActiveJobs 取得所有 queued / running 任務 ID（用於重啟恢復）
func (jm *JobManager) ActiveJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.active))
	for _, id := range jm.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return jm.order[ids[i]] < jm.order[ids[j]] })
	return ids
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	queued := 0
	for _, job := range jm.jobs {
		if job.State == types.StateQueued {
			queued++
		}
	}
	return map[string]int{
		"queued":    queued,
		"running":   len(jm.running),
		"succeeded": len(jm.succeeded),
		"failed":    len(jm.failed),
		"total":     len(jm.jobs),
	}
}

// ============================================================================
// 清理策略
// ============================================================================

// PurgeTarget 刪除 target 的所有任務（plan 被刪除時）
//
// 進行中的任務不會被刪除，回傳被刪除的任務（依受理順序）
func (jm *JobManager) PurgeTarget(target types.TargetID) []types.Job {
	return jm.purge(func(job *types.Job) bool {
		return job.Target == target
	})
}

// PurgeFinishedBefore 刪除在 cutoff 之前結束的終態任務
func (jm *JobManager) PurgeFinishedBefore(cutoff time.Time) []types.Job {
	return jm.purge(func(job *types.Job) bool {
		return job.FinishedAt != nil && job.FinishedAt.Before(cutoff)
	})
}

func (jm *JobManager) purge(match func(*types.Job) bool) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var removed []types.Job
	for _, job := range jm.jobs {
		if job.State.Terminal() && match(job) {
			removed = append(removed, job.Clone())
		}
	}
	sort.Slice(removed, func(i, k int) bool {
		return jm.order[removed[i].ID] < jm.order[removed[k].ID]
	})
	for _, job := range removed {
		jm.deleteLocked(job.ID)
	}
	return removed
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		c := job.Clone()
		jobsCopy[id] = &c
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: types.SnapshotSchemaVersion,
	}
}

// Restore 從快照恢復狀態，清空現有內容
//
// admission 順序依 QueuedAt（相同時依 ID）重建
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jobs := make([]*types.Job, 0, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		if job.ID != id {
			return fmt.Errorf("snapshot entry %s holds job %s", id, job.ID)
		}
		c := job.Clone()
		jobs = append(jobs, &c)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].QueuedAt.Equal(jobs[j].QueuedAt) {
			return jobs[i].QueuedAt.Before(jobs[j].QueuedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	jm.reset()
	for _, job := range jobs {
		jm.insertLocked(job)
	}
	return nil
}

// Forget removes a job record, used to roll back an admission the journal refused.
func (jm *JobManager) Forget(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if _, ok := jm.jobs[id]; ok {
		jm.deleteLocked(id)
	}
}

// ============================================================================
// 內部輔助方法（呼叫端需持有 jm.mu）
// ============================================================================

func (jm *JobManager) insertLocked(job *types.Job) {
	jm.jobs[job.ID] = job
	jm.nextOrder++
	jm.order[job.ID] = jm.nextOrder
	key := activeKey{target: job.Target, kind: job.Kind}
	jm.latest[key] = job.ID
	jm.indexLocked(job)
}

func (jm *JobManager) indexLocked(job *types.Job) {
	key := activeKey{target: job.Target, kind: job.Kind}
	switch job.State {
	case types.StateQueued:
		jm.queue = append(jm.queue, job.ID)
		jm.active[key] = job.ID
	case types.StateRunning:
		jm.running[job.ID] = job
		jm.active[key] = job.ID
	case types.StateSucceeded:
		jm.succeeded[job.ID] = job
	case types.StateFailed:
		jm.failed[job.ID] = job
	}
}

func (jm *JobManager) unindexLocked(job *types.Job) {
	key := activeKey{target: job.Target, kind: job.Kind}
	switch job.State {
	case types.StateQueued:
		jm.removeFromQueueLocked(job.ID)
	case types.StateRunning:
		delete(jm.running, job.ID)
	case types.StateSucceeded:
		delete(jm.succeeded, job.ID)
	case types.StateFailed:
		delete(jm.failed, job.ID)
	}
	if jm.active[key] == job.ID {
		delete(jm.active, key)
	}
}

func (jm *JobManager) removeFromQueueLocked(id types.JobID) {
	for i, qid := range jm.queue {
		if qid == id {
			jm.queue = append(jm.queue[:i], jm.queue[i+1:]...)
			return
		}
	}
}

func (jm *JobManager) deleteLocked(id types.JobID) {
	job := jm.jobs[id]
	jm.unindexLocked(job)
	delete(jm.jobs, id)
	delete(jm.order, id)

	key := activeKey{target: job.Target, kind: job.Kind}
	if jm.latest[key] != id {
		return
	}
	delete(jm.latest, key)
	var best types.JobID
	var bestOrder uint64
	for oid, o := range jm.order {
		j := jm.jobs[oid]
		if j.Target == job.Target && j.Kind == job.Kind && o > bestOrder {
			best, bestOrder = oid, o
		}
	}
	if best != "" {
		jm.latest[key] = best
	}
}
