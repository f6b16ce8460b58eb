package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/planforge/internal/jobmanager"
	"github.com/ChuLiYu/planforge/internal/metrics"
	"github.com/ChuLiYu/planforge/internal/storage/wal"
	"github.com/ChuLiYu/planforge/internal/worker"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// ============================================================================
// helpers
// ============================================================================

func testConfig() Config {
	return Config{
		WorkerCount:      2,
		JobTimeout:       5 * time.Second,
		QueueSize:        16,
		DispatchInterval: 5 * time.Millisecond,
	}
}

type journalPaths struct {
	wal, snapshot string
}

func newPaths(t *testing.T) journalPaths {
	dir := t.TempDir()
	return journalPaths{wal: filepath.Join(dir, "jobs.wal"), snapshot: filepath.Join(dir, "snapshot.json")}
}

func openJournal(t *testing.T, p journalPaths) *FileJournal {
	t.Helper()
	j, err := OpenFileJournal(p.wal, p.snapshot, wal.DefaultOptions())
	require.NoError(t, err)
	return j
}

func startRunner(t *testing.T, cfg Config, j Journal, opts ...Option) *Runner {
	t.Helper()
	r := New(cfg, j, opts...)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func returns(out string) worker.Work {
	return func(context.Context) (string, error) { return out, nil }
}

// blocker returns work that waits for release, and a channel closed once it runs.
func blocker() (worker.Work, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	work := func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return work, started, release
}

func waitForState(t *testing.T, r *Runner, id types.JobID, want types.JobState) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = r.Status(id)
		return err == nil && job.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s (last %+v)", id, want, job)
	return job
}

// ============================================================================
// Submit / execution
// ============================================================================

func TestSubmit_RunsToSuccess(t *testing.T) {
	r := startRunner(t, testConfig(), nil)

	job, err := r.Submit(context.Background(), "P1", types.KindGenerate, map[string]string{"note": "x"}, returns("plan/P1/rev/1"))
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, job.State)
	assert.NotEmpty(t, job.ID)

	done := waitForState(t, r, job.ID, types.StateSucceeded)
	assert.Equal(t, "plan/P1/rev/1", done.Result)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, done.FinishedAt.Before(*done.StartedAt))
	assert.Equal(t, "x", done.Params["note"])
}

func TestSubmit_SingleFlight(t *testing.T) {
	r := startRunner(t, testConfig(), nil)
	work, started, release := blocker()

	first, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, work)
	require.NoError(t, err)
	<-started

	_, err = r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Len(t, r.ListForTarget("P1"), 1, "a rejected submission creates no job")

	// a different kind on the same target is independent
	exp, err := r.Submit(context.Background(), "P1", types.KindExport, nil, returns("exports/P1.md"))
	require.NoError(t, err)
	waitForState(t, r, exp.ID, types.StateSucceeded)

	close(release)
	waitForState(t, r, first.ID, types.StateSucceeded)

	again, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)

	latest, ok := r.StatusForTarget("P1", types.KindGenerate)
	require.True(t, ok)
	assert.Equal(t, again.ID, latest.ID)
}

func TestSubmit_ConcurrentAdmitsExactlyOne(t *testing.T) {
	r := startRunner(t, testConfig(), nil)
	work, _, release := blocker()
	defer close(release)

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, work)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(31), rejected.Load())
}

func TestSubmit_FailuresAreRecorded(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(*Config)
		work    worker.Work
		wantErr string
	}{
		{
			name:    "returned error",
			work:    func(context.Context) (string, error) { return "", errors.New("renderer exited 2") },
			wantErr: "renderer exited 2",
		},
		{
			name:    "panic",
			work:    func(context.Context) (string, error) { panic("template missing") },
			wantErr: ErrJobPanicked.Error(),
		},
		{
			name: "timeout",
			cfg:  func(c *Config) { c.JobTimeout = 10 * time.Millisecond },
			work: func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			wantErr: context.DeadlineExceeded.Error(),
		},
		{
			name: "timeout with body ignoring context",
			cfg:  func(c *Config) { c.JobTimeout = 20 * time.Millisecond },
			work: func(context.Context) (string, error) {
				time.Sleep(time.Second)
				return "too late", nil
			},
			wantErr: context.DeadlineExceeded.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			r := startRunner(t, cfg, nil)

			job, err := r.Submit(context.Background(), "P1", types.KindExport, nil, tt.work)
			require.NoError(t, err)

			failed := waitForState(t, r, job.ID, types.StateFailed)
			assert.Contains(t, failed.Error, tt.wantErr)
			assert.Empty(t, failed.Result)

			// the target is free again
			_, err = r.Submit(context.Background(), "P1", types.KindExport, nil, returns(""))
			assert.NoError(t, err)
		})
	}
}

func TestSubmit_InvalidRequests(t *testing.T) {
	r := startRunner(t, testConfig(), nil)

	_, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, nil)
	assert.ErrorIs(t, err, jobmanager.ErrInvalidRequest)

	_, err = r.Submit(context.Background(), "", types.KindGenerate, nil, returns(""))
	assert.ErrorIs(t, err, jobmanager.ErrInvalidRequest)

	_, err = r.Submit(context.Background(), "P1", types.JobKind("print"), nil, returns(""))
	assert.ErrorIs(t, err, jobmanager.ErrInvalidRequest)
}

func TestSubmit_BeforeStartAndAfterStop(t *testing.T) {
	r := New(testConfig(), nil)
	_, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	assert.ErrorIs(t, err, ErrRunnerNotStarted)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "second start")
	r.Stop()
	r.Stop()

	_, err = r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	assert.ErrorIs(t, err, ErrRunnerStopped)
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunnerStopped)
}

func TestStatus_DoesNotBlockOnRunningJob(t *testing.T) {
	r := startRunner(t, testConfig(), nil)
	work, started, release := blocker()
	defer close(release)

	job, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, work)
	require.NoError(t, err)
	<-started

	done := make(chan types.Job)
	go func() {
		got, _ := r.Status(job.ID)
		done <- got
	}()
	select {
	case got := <-done:
		assert.Equal(t, types.StateRunning, got.State)
	case <-time.After(time.Second):
		t.Fatal("Status blocked on a running job")
	}

	_, err = r.Status("nope")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

func TestSubscribe_SeesTerminalJobs(t *testing.T) {
	r := New(testConfig(), nil)
	var mu sync.Mutex
	var seen []types.Job
	r.Subscribe(func(j types.Job) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, j)
	})
	r.Subscribe(func(types.Job) { panic("bad subscriber") })
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	ok, err := r.Submit(context.Background(), "A", types.KindGenerate, nil, returns("ref"))
	require.NoError(t, err)
	bad, err := r.Submit(context.Background(), "B", types.KindGenerate, nil, func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	states := map[types.JobID]types.JobState{}
	for _, j := range seen {
		states[j.ID] = j.State
	}
	assert.Equal(t, types.StateSucceeded, states[ok.ID])
	assert.Equal(t, types.StateFailed, states[bad.ID])
}

// ============================================================================
// Persistence and recovery
// ============================================================================

func TestRestart_AbandonsInterruptedJobs(t *testing.T) {
	paths := newPaths(t)

	first := New(testConfig(), openJournal(t, paths))
	require.NoError(t, first.Start(context.Background()))
	work, started, release := blocker()
	t.Cleanup(func() {
		close(release)
		first.Stop()
	})

	done, err := first.Submit(context.Background(), "P1", types.KindExport, nil, returns("exports/P1.pdf"))
	require.NoError(t, err)
	waitForState(t, first, done.ID, types.StateSucceeded)

	running, err := first.Submit(context.Background(), "P1", types.KindGenerate, nil, work)
	require.NoError(t, err)
	<-started

	// a second process opens the same journal as if the first had crashed
	var notified []types.Job
	second := New(testConfig(), openJournal(t, paths))
	second.Subscribe(func(j types.Job) { notified = append(notified, j) })
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(second.Stop)

	got, err := second.Status(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.State)
	assert.Equal(t, RestartAbandonReason, got.Error)

	kept, err := second.Status(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, kept.State)
	assert.Equal(t, "exports/P1.pdf", kept.Result)

	require.Len(t, notified, 1)
	assert.Equal(t, running.ID, notified[0].ID)

	// no work was rerun; the target accepts a fresh generation
	_, err = second.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	assert.NoError(t, err)
}

func TestRestart_AfterCleanStopUsesSnapshot(t *testing.T) {
	paths := newPaths(t)

	first := New(testConfig(), openJournal(t, paths))
	require.NoError(t, first.Start(context.Background()))
	job, err := first.Submit(context.Background(), "P1", types.KindGenerate, nil, returns("plan/P1/rev/1"))
	require.NoError(t, err)
	waitForState(t, first, job.ID, types.StateSucceeded)
	first.Stop()

	n, err := wal.CountEvents(paths.wal)
	require.NoError(t, err)
	assert.Zero(t, n, "final snapshot rotates the WAL")

	second := startRunner(t, testConfig(), openJournal(t, paths))
	got, err := second.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, got.State)
	assert.Equal(t, "plan/P1/rev/1", got.Result)

	// events after the snapshot are replayed on top of it
	next, err := second.Submit(context.Background(), "P2", types.KindExport, nil, returns("out"))
	require.NoError(t, err)
	waitForState(t, second, next.ID, types.StateSucceeded)

	third := New(testConfig(), openJournal(t, paths))
	require.NoError(t, third.Start(context.Background()))
	defer third.Stop()
	got, err = third.Status(next.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, got.State)
}

func TestStop_AbandonsJobsNeverStarted(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 1
	r := New(cfg, nil)
	require.NoError(t, r.Start(context.Background()))

	work, started, release := blocker()
	running, err := r.Submit(context.Background(), "A", types.KindGenerate, nil, work)
	require.NoError(t, err)
	<-started
	queued, err := r.Submit(context.Background(), "B", types.KindGenerate, nil, returns(""))
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	time.Sleep(30 * time.Millisecond)
	close(release)
	<-stopped

	got, err := r.Status(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, got.State, "running work finishes during stop")

	got, err = r.Status(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, got.State)
	assert.Equal(t, StopAbandonReason, got.Error)

	assert.Zero(t, r.Stats()["queued"]+r.Stats()["running"])
}

func TestPurgeTarget_IsJournaled(t *testing.T) {
	paths := newPaths(t)
	first := New(testConfig(), openJournal(t, paths))
	require.NoError(t, first.Start(context.Background()))

	job, err := first.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	require.NoError(t, err)
	waitForState(t, first, job.ID, types.StateSucceeded)
	other, err := first.Submit(context.Background(), "P2", types.KindGenerate, nil, returns(""))
	require.NoError(t, err)
	waitForState(t, first, other.ID, types.StateSucceeded)

	removed, err := first.PurgeTarget(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, job.ID, removed[0].ID)

	// reopen from the WAL alone, without a clean stop
	second := startRunner(t, testConfig(), openJournal(t, paths))
	_, err = second.Status(job.ID)
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
	_, err = second.Status(other.ID)
	assert.NoError(t, err)

	first.Stop()
}

func TestPurgeFinishedBefore(t *testing.T) {
	r := startRunner(t, testConfig(), nil)
	job, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	require.NoError(t, err)
	waitForState(t, r, job.ID, types.StateSucceeded)

	removed, err := r.PurgeFinishedBefore(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Empty(t, r.ListForTarget("P1"))
}

type failingJournal struct {
	nopJournal
}

func (failingJournal) Record(context.Context, types.JobEvent, types.Job) error {
	return errors.New("disk full")
}

func TestSubmit_JournalFailureAdmitsNothing(t *testing.T) {
	r := startRunner(t, testConfig(), failingJournal{})

	_, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, r.ListForTarget("P1"))
	_, ok := r.StatusForTarget("P1", types.KindGenerate)
	assert.False(t, ok)
}

// ============================================================================
// Observability
// ============================================================================

func TestMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	r := startRunner(t, testConfig(), nil,
		WithMetrics(collector),
		WithTracer(tp.Tracer("test")),
		WithJobManager(jobmanager.NewJobManager(jobmanager.WithIDGenerator(sequentialIDs()))))

	work, started, release := blocker()
	job, err := r.Submit(context.Background(), "P1", types.KindGenerate, nil, work)
	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-1"), job.ID)
	<-started
	_, err = r.Submit(context.Background(), "P1", types.KindGenerate, nil, returns(""))
	require.ErrorIs(t, err, ErrAlreadyActive)
	close(release)
	waitForState(t, r, job.ID, types.StateSucceeded)

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := recorder.Ended()[0]
	assert.Equal(t, "job.generate", span.Name())
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "job-1", attrs["job.id"])
	assert.Equal(t, "P1", attrs["job.target"])

	body := scrape(t, collector)
	assert.Contains(t, body, `planforge_jobs_admitted_total{kind="generate"} 1`)
	assert.Contains(t, body, `planforge_jobs_rejected_total{kind="generate"} 1`)
	assert.Contains(t, body, `planforge_jobs_finished_total{kind="generate",state="succeeded"} 1`)
}

func sequentialIDs() func() types.JobID {
	var n atomic.Int64
	return func() types.JobID {
		return types.JobID(fmt.Sprintf("job-%d", n.Add(1)))
	}
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
