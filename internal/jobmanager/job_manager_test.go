package jobmanager

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJobManager creates a JobManager with a deterministic clock and ids.
func newTestJobManager() *JobManager {
	var seq int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewJobManager(
		WithIDGenerator(func() types.JobID {
			return types.JobID(fmt.Sprintf("job-%03d", atomic.AddInt64(&seq, 1)))
		}),
		WithClock(func() time.Time {
			return base.Add(time.Duration(atomic.LoadInt64(&seq)) * time.Second)
		}),
	)
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

// assertState asserts job state via the public Status call
func assertState(t *testing.T, jm *JobManager, id types.JobID, want types.JobState) {
	t.Helper()
	job, err := jm.Status(id)
	assertNoError(t, err)
	if job.State != want {
		t.Errorf("job %s state: got %s, want %s", id, job.State, want)
	}
}

func mustAdmit(t *testing.T, jm *JobManager, target types.TargetID, kind types.JobKind) types.Job {
	t.Helper()
	job, err := jm.Admit(target, kind, nil)
	assertNoError(t, err)
	return job
}

// ============================================================================
// Admission
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil || jm.queue == nil || jm.running == nil ||
		jm.succeeded == nil || jm.failed == nil || jm.active == nil || jm.latest == nil {
		t.Fatal("indexes not initialized")
	}

	stats := jm.Stats()
	for _, key := range []string{"queued", "running", "succeeded", "failed", "total"} {
		if stats[key] != 0 {
			t.Errorf("stats[%s]: got %d, want 0", key, stats[key])
		}
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *JobManager)
		target  types.TargetID
		kind    types.JobKind
		wantErr error
	}{
		{
			name:   "first generate job",
			setup:  func(*testing.T, *JobManager) {},
			target: "P1", kind: types.KindGenerate,
		},
		{
			name: "second generate while queued is rejected",
			setup: func(t *testing.T, jm *JobManager) {
				mustAdmit(t, jm, "P1", types.KindGenerate)
			},
			target: "P1", kind: types.KindGenerate,
			wantErr: ErrAlreadyActive,
		},
		{
			name: "second generate while running is rejected",
			setup: func(t *testing.T, jm *JobManager) {
				j := mustAdmit(t, jm, "P1", types.KindGenerate)
				_, err := jm.MarkRunning(j.ID)
				assertNoError(t, err)
			},
			target: "P1", kind: types.KindGenerate,
			wantErr: ErrAlreadyActive,
		},
		{
			name: "export does not conflict with generate",
			setup: func(t *testing.T, jm *JobManager) {
				mustAdmit(t, jm, "P1", types.KindGenerate)
			},
			target: "P1", kind: types.KindExport,
		},
		{
			name: "other target does not conflict",
			setup: func(t *testing.T, jm *JobManager) {
				mustAdmit(t, jm, "P1", types.KindGenerate)
			},
			target: "P2", kind: types.KindGenerate,
		},
		{
			name:    "empty target",
			setup:   func(*testing.T, *JobManager) {},
			target:  " ",
			kind:    types.KindGenerate,
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown kind",
			setup:   func(*testing.T, *JobManager) {},
			target:  "P1",
			kind:    "delete",
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager()
			tt.setup(t, jm)
			before := jm.Stats()["total"]

			job, err := jm.Admit(tt.target, tt.kind, map[string]string{"format": "pdf"})

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				if got := jm.Stats()["total"]; got != before {
					t.Errorf("rejected admit created a job: total %d -> %d", before, got)
				}
				return
			}
			assertNoError(t, err)
			if job.State != types.StateQueued {
				t.Errorf("state: got %s, want queued", job.State)
			}
			if job.QueuedAt.IsZero() {
				t.Error("queued_at not set")
			}
			if job.Params["format"] != "pdf" {
				t.Errorf("params not kept: %v", job.Params)
			}
		})
	}
}

func TestAdmit_AfterTerminalSucceeds(t *testing.T) {
	for _, terminal := range []types.JobState{types.StateSucceeded, types.StateFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			jm := newTestJobManager()
			first := mustAdmit(t, jm, "X", types.KindGenerate)

			_, err := jm.Admit("X", types.KindGenerate, nil)
			assertError(t, err, ErrAlreadyActive)

			_, err = jm.MarkRunning(first.ID)
			assertNoError(t, err)
			_, err = jm.Transition(first.ID, terminal, "ok", "boom")
			assertNoError(t, err)

			second, err := jm.Admit("X", types.KindGenerate, nil)
			assertNoError(t, err)
			if second.ID == first.ID {
				t.Error("expected a new job id")
			}
		})
	}
}

func TestAdmit_ConcurrentSingleFlight(t *testing.T) {
	jm := NewJobManager()
	const callers = 64

	var wg sync.WaitGroup
	var admitted, rejected int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := jm.Admit("P1", types.KindGenerate, nil)
			switch {
			case err == nil:
				atomic.AddInt64(&admitted, 1)
			case errors.Is(err, ErrAlreadyActive):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 || rejected != callers-1 {
		t.Errorf("admitted=%d rejected=%d, want 1/%d", admitted, rejected, callers-1)
	}
}

func TestAdmit_ParamsAreCopied(t *testing.T) {
	jm := newTestJobManager()
	params := map[string]string{"format": "pdf"}
	job, err := jm.Admit("P1", types.KindExport, params)
	assertNoError(t, err)

	params["format"] = "docx"
	job.Params["format"] = "markdown"

	got, _ := jm.Status(job.ID)
	if got.Params["format"] != "pdf" {
		t.Errorf("registry copy mutated: %v", got.Params)
	}
}

// ============================================================================
// Transitions
// ============================================================================

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []types.JobState // applied before the transition under test
		to      types.JobState
		wantErr error
	}{
		{"queued to running", nil, types.StateRunning, nil},
		{"running to succeeded", []types.JobState{types.StateRunning}, types.StateSucceeded, nil},
		{"running to failed", []types.JobState{types.StateRunning}, types.StateFailed, nil},
		{"queued to succeeded skips a step", nil, types.StateSucceeded, ErrInvalidTransition},
		{"queued to queued", nil, types.StateQueued, ErrInvalidTransition},
		{"running back to queued", []types.JobState{types.StateRunning}, types.StateQueued, ErrInvalidTransition},
		{"succeeded twice", []types.JobState{types.StateRunning, types.StateSucceeded}, types.StateSucceeded, ErrInvalidTransition},
		{"succeeded to failed", []types.JobState{types.StateRunning, types.StateSucceeded}, types.StateFailed, ErrInvalidTransition},
		{"failed to running", []types.JobState{types.StateRunning, types.StateFailed}, types.StateRunning, ErrInvalidTransition},
		{"unknown state", nil, "paused", ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager()
			job := mustAdmit(t, jm, "P1", types.KindGenerate)
			for _, s := range tt.path {
				_, err := jm.Transition(job.ID, s, "content", "")
				assertNoError(t, err)
			}
			before, _ := jm.Status(job.ID)

			_, err := jm.Transition(job.ID, tt.to, "other", "other")

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				after, _ := jm.Status(job.ID)
				if !reflect.DeepEqual(before, after) {
					t.Errorf("job changed on rejected transition:\nbefore %+v\nafter  %+v", before, after)
				}
				return
			}
			assertNoError(t, err)
			assertState(t, jm, job.ID, tt.to)
		})
	}
}

func TestTransition_RecordsTimestampsAndOutcome(t *testing.T) {
	jm := newTestJobManager()
	job := mustAdmit(t, jm, "P1", types.KindGenerate)

	running, err := jm.MarkRunning(job.ID)
	assertNoError(t, err)
	if running.StartedAt == nil || running.FinishedAt != nil {
		t.Fatalf("running timestamps wrong: %+v", running)
	}

	done, err := jm.MarkSucceeded(job.ID, "plan/P1/rev/1")
	assertNoError(t, err)
	if done.FinishedAt == nil || done.Result != "plan/P1/rev/1" || done.Error != "" {
		t.Fatalf("succeeded record wrong: %+v", done)
	}

	other := mustAdmit(t, jm, "P2", types.KindExport)
	_, _ = jm.MarkRunning(other.ID)
	failed, err := jm.MarkFailed(other.ID, "renderer crashed")
	assertNoError(t, err)
	if failed.Error != "renderer crashed" || failed.Result != "" {
		t.Fatalf("failed record wrong: %+v", failed)
	}
}

func TestTransition_UnknownJob(t *testing.T) {
	jm := newTestJobManager()
	_, err := jm.MarkRunning("nope")
	assertError(t, err, ErrJobNotFound)
}

func TestAbandon(t *testing.T) {
	jm := newTestJobManager()
	queued := mustAdmit(t, jm, "P1", types.KindGenerate)
	running := mustAdmit(t, jm, "P2", types.KindGenerate)
	_, _ = jm.MarkRunning(running.ID)

	for _, id := range []types.JobID{queued.ID, running.ID} {
		job, err := jm.Abandon(id, "interrupted by restart")
		assertNoError(t, err)
		if job.State != types.StateFailed || job.Error != "interrupted by restart" {
			t.Errorf("abandon result: %+v", job)
		}
	}

	_, err := jm.Abandon(queued.ID, "again")
	assertError(t, err, ErrInvalidTransition)

	if len(jm.ActiveJobs()) != 0 {
		t.Errorf("active jobs left: %v", jm.ActiveJobs())
	}
}

// ============================================================================
// Queries
// ============================================================================

func TestPopQueued_FIFO(t *testing.T) {
	jm := newTestJobManager()
	if _, ok := jm.PopQueued(); ok {
		t.Fatal("empty registry should have nothing queued")
	}

	a := mustAdmit(t, jm, "A", types.KindGenerate)
	b := mustAdmit(t, jm, "B", types.KindGenerate)
	c := mustAdmit(t, jm, "C", types.KindExport)

	for _, want := range []types.JobID{a.ID, b.ID, c.ID} {
		got, ok := jm.PopQueued()
		if !ok || got.ID != want {
			t.Fatalf("pop: got %s (%v), want %s", got.ID, ok, want)
		}
		assertState(t, jm, want, types.StateQueued)
	}
	if _, ok := jm.PopQueued(); ok {
		t.Fatal("queue should be drained")
	}
}

func TestStatus_IdempotentAfterTerminal(t *testing.T) {
	jm := newTestJobManager()
	job := mustAdmit(t, jm, "P1", types.KindGenerate)
	_, _ = jm.MarkRunning(job.ID)
	_, _ = jm.MarkSucceeded(job.ID, "done")

	first, err := jm.Status(job.ID)
	assertNoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := jm.Status(job.ID)
		assertNoError(t, err)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("status changed between calls:\n%+v\n%+v", first, again)
		}
	}

	// mutating the returned copy must not leak back
	*first.FinishedAt = time.Time{}
	again, _ := jm.Status(job.ID)
	if again.FinishedAt.IsZero() {
		t.Fatal("status returned an aliased timestamp")
	}
}

func TestStatusForTarget_ReturnsLatest(t *testing.T) {
	jm := newTestJobManager()
	if _, ok := jm.StatusForTarget("P1", types.KindGenerate); ok {
		t.Fatal("expected no job")
	}

	first := mustAdmit(t, jm, "P1", types.KindGenerate)
	_, _ = jm.MarkRunning(first.ID)
	_, _ = jm.MarkFailed(first.ID, "boom")
	second := mustAdmit(t, jm, "P1", types.KindGenerate)
	mustAdmit(t, jm, "P1", types.KindExport)

	got, ok := jm.StatusForTarget("P1", types.KindGenerate)
	if !ok || got.ID != second.ID {
		t.Fatalf("latest: got %s, want %s", got.ID, second.ID)
	}

	list := jm.ListForTarget("P1")
	if len(list) != 3 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("list order wrong: %+v", list)
	}
}

func TestStats(t *testing.T) {
	jm := newTestJobManager()
	a := mustAdmit(t, jm, "A", types.KindGenerate)
	b := mustAdmit(t, jm, "B", types.KindGenerate)
	c := mustAdmit(t, jm, "C", types.KindGenerate)
	mustAdmit(t, jm, "D", types.KindGenerate)

	_, _ = jm.MarkRunning(a.ID)
	_, _ = jm.MarkRunning(b.ID)
	_, _ = jm.MarkSucceeded(b.ID, "")
	_, _ = jm.MarkRunning(c.ID)
	_, _ = jm.MarkFailed(c.ID, "x")
	jm.PopQueued() // popped jobs still count as queued

	want := map[string]int{"queued": 1, "running": 1, "succeeded": 1, "failed": 1, "total": 4}
	if got := jm.Stats(); !reflect.DeepEqual(got, want) {
		t.Errorf("stats: got %v, want %v", got, want)
	}
}

// ============================================================================
// Cleanup
// ============================================================================

func TestPurgeTarget(t *testing.T) {
	jm := newTestJobManager()
	old := mustAdmit(t, jm, "P1", types.KindGenerate)
	_, _ = jm.MarkRunning(old.ID)
	_, _ = jm.MarkSucceeded(old.ID, "")
	active := mustAdmit(t, jm, "P1", types.KindGenerate)
	keep := mustAdmit(t, jm, "P2", types.KindGenerate)

	purged := jm.PurgeTarget("P1")
	if len(purged) != 1 || purged[0].ID != old.ID {
		t.Fatalf("purged %+v, want only %s", purged, old.ID)
	}
	if _, err := jm.Status(old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("old job still present: %v", err)
	}
	assertState(t, jm, active.ID, types.StateQueued)
	assertState(t, jm, keep.ID, types.StateQueued)

	latest, ok := jm.StatusForTarget("P1", types.KindGenerate)
	if !ok || latest.ID != active.ID {
		t.Errorf("latest after purge: %+v", latest)
	}
}

func TestPurgeFinishedBefore(t *testing.T) {
	jm := newTestJobManager()
	a := mustAdmit(t, jm, "A", types.KindGenerate)
	_, _ = jm.MarkRunning(a.ID)
	_, _ = jm.MarkSucceeded(a.ID, "")
	aDone, _ := jm.Status(a.ID)

	b := mustAdmit(t, jm, "B", types.KindGenerate)
	_, _ = jm.MarkRunning(b.ID)
	_, _ = jm.MarkFailed(b.ID, "x")

	purged := jm.PurgeFinishedBefore(aDone.FinishedAt.Add(time.Millisecond))
	if len(purged) != 1 || purged[0].ID != a.ID {
		t.Fatalf("purged %+v, want only %s", purged, a.ID)
	}
	if _, ok := jm.StatusForTarget("A", types.KindGenerate); ok {
		t.Error("purged target still has a latest job")
	}
	assertState(t, jm, b.ID, types.StateFailed)
}

// ============================================================================
// Snapshot / Restore / Forget
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	jm := newTestJobManager()
	a := mustAdmit(t, jm, "A", types.KindGenerate)
	b := mustAdmit(t, jm, "B", types.KindExport)
	_, _ = jm.MarkRunning(b.ID)
	c := mustAdmit(t, jm, "C", types.KindGenerate)
	_, _ = jm.MarkRunning(c.ID)
	_, _ = jm.MarkSucceeded(c.ID, "plan/C/rev/1")

	snap := jm.Snapshot()
	if snap.SchemaVer != types.SnapshotSchemaVersion || len(snap.Jobs) != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}

	restored := NewJobManager()
	assertNoError(t, restored.Restore(snap))

	if !reflect.DeepEqual(jm.Stats(), restored.Stats()) {
		t.Errorf("stats differ: %v vs %v", jm.Stats(), restored.Stats())
	}
	_, err := restored.Admit("A", types.KindGenerate, nil)
	assertError(t, err, ErrAlreadyActive)
	_, err = restored.Admit("B", types.KindExport, nil)
	assertError(t, err, ErrAlreadyActive)
	_, err = restored.Admit("C", types.KindGenerate, nil)
	assertNoError(t, err)

	got, ok := restored.PopQueued()
	if !ok || got.ID != a.ID {
		t.Errorf("restored queue head: %+v", got)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	jm := newTestJobManager()
	job := mustAdmit(t, jm, "A", types.KindExport)
	snap := jm.Snapshot()
	snap.Jobs[job.ID].State = types.StateFailed

	assertState(t, jm, job.ID, types.StateQueued)
}

func TestRestore_RejectsMismatchedKey(t *testing.T) {
	jm := newTestJobManager()
	err := jm.Restore(types.SnapshotData{Jobs: map[types.JobID]*types.Job{
		"k": {ID: "other", Target: "A", Kind: types.KindGenerate, State: types.StateQueued},
	}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestForget_RemovesJobAndFreesTarget(t *testing.T) {
	jm := newTestJobManager()
	job := mustAdmit(t, jm, "P1", types.KindGenerate)

	jm.Forget(job.ID)
	if _, err := jm.Status(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("forget: %v", err)
	}
	if _, ok := jm.PopQueued(); ok {
		t.Error("forgotten job still queued")
	}
	if _, ok := jm.StatusForTarget("P1", types.KindGenerate); ok {
		t.Error("forgotten job still latest for target")
	}
	mustAdmit(t, jm, "P1", types.KindGenerate)
	jm.Forget("missing")
}
