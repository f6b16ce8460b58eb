// ============================================================================
// planforge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務執行、計分與完整度指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: kind)：
//      - planforge_jobs_admitted_total: 已受理任務總數
//      - planforge_jobs_rejected_total: 因同目標已有進行中任務而被拒絕的總數
//      - planforge_jobs_finished_total: 已結束任務總數（label: kind, state）
//
//   2. 性能指標 (Histogram)：
//      - planforge_job_duration_seconds: 任務從開始到結束的時間（label: kind）
//      - planforge_plan_completion_score: 生成完成時的完整度分數
//
//   3. 狀態指標 (Gauge)：
//      - planforge_jobs_active: 目前 queued + running 的任務數
//      - planforge_recovery_time_seconds: 最近一次啟動恢復時間
//
//   4. 計分：
//      - planforge_evidence_evaluations_total: 證據評分次數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的生成任務
//   rate(planforge_jobs_finished_total{kind="generate",state="succeeded"}[1m])
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, rate(planforge_job_duration_seconds_bucket[5m]))
//
// 所有方法在 nil Collector 上都是 no-op，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planforge"

// Collector Prometheus 指標收集器
type Collector struct {
	jobsAdmitted *prometheus.CounterVec
	jobsRejected *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsActive   prometheus.Gauge
	recoveryTime prometheus.Gauge

	completionScore     prometheus.Histogram
	evidenceEvaluations prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg
// reg 為 nil 時使用一個新的 Registry
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Total number of jobs admitted to the registry",
		}, []string{"kind"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected because a job was already active",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"kind", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time from start to finish in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Current number of queued or running jobs",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the job registry at startup in seconds",
		}),
		completionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_completion_score",
			Help:      "Completion score of plans when generation finishes",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		evidenceEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_evaluations_total",
			Help:      "Total number of evidence items scored",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.jobsAdmitted, c.jobsRejected, c.jobsFinished, c.jobDuration,
		c.jobsActive, c.recoveryTime, c.completionScore, c.evidenceEvaluations,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c, nil
}

// RecordAdmitted 記錄任務受理
func (c *Collector) RecordAdmitted(kind string) {
	if c == nil {
		return
	}
	c.jobsAdmitted.WithLabelValues(kind).Inc()
}

// RecordRejected 記錄因 single-flight 被拒絕的提交
func (c *Collector) RecordRejected(kind string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(kind).Inc()
}

// RecordFinished 記錄任務結束；duration 為 0 時（從未開始）不計入延遲分佈
func (c *Collector) RecordFinished(kind, state string, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(kind, state).Inc()
	if duration > 0 {
		c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// SetActive 設置目前進行中的任務數
func (c *Collector) SetActive(n int) {
	if c == nil {
		return
	}
	c.jobsActive.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// ObserveCompletion 記錄生成完成時的完整度分數
func (c *Collector) ObserveCompletion(score int) {
	if c == nil {
		return
	}
	c.completionScore.Observe(float64(score))
}

// RecordEvaluation 記錄一次證據評分
func (c *Collector) RecordEvaluation() {
	if c == nil {
		return
	}
	c.evidenceEvaluations.Inc()
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 啟動 Prometheus metrics HTTP 伺服器，直到 ctx 結束
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
