package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)
	assert.NotNil(t, c.jobsAdmitted)
	assert.NotNil(t, c.jobsRejected)
	assert.NotNil(t, c.jobsFinished)
	assert.NotNil(t, c.jobDuration)
	assert.NotNil(t, c.jobsActive)
	assert.NotNil(t, c.completionScore)
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestRecordAdmittedAndRejected(t *testing.T) {
	c := newTestCollector(t)
	c.RecordAdmitted("generate")
	c.RecordAdmitted("generate")
	c.RecordAdmitted("export")
	c.RecordRejected("generate")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsAdmitted.WithLabelValues("generate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsAdmitted.WithLabelValues("export")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues("generate")))
}

func TestRecordFinished(t *testing.T) {
	c := newTestCollector(t)
	c.RecordFinished("export", "succeeded", 250*time.Millisecond)
	c.RecordFinished("export", "failed", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("export", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("export", "failed")))
	// only the started job is observed
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestGauges(t *testing.T) {
	c := newTestCollector(t)
	c.SetActive(3)
	c.SetRecoveryTime(1500 * time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsActive))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))

	c.SetActive(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsActive))
}

func TestScoringMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveCompletion(85)
	c.RecordEvaluation()
	c.RecordEvaluation()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.evidenceEvaluations))
	assert.Equal(t, 1, testutil.CollectAndCount(c.completionScore))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordAdmitted("generate")
		c.RecordRejected("generate")
		c.RecordFinished("generate", "failed", time.Second)
		c.SetActive(1)
		c.SetRecoveryTime(time.Second)
		c.ObserveCompletion(10)
		c.RecordEvaluation()
	})
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordAdmitted("generate")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `planforge_jobs_admitted_total{kind="generate"} 1`)
}
