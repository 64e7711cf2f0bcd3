// ============================================================================
// Lotto-Search Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露搜尋佇列的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - lotto_jobs_generated_total: 列舉產生的任務總數
//      - lotto_jobs_dispatched_total: 已分派任務總數
//      - lotto_jobs_done_total: 完成任務總數
//      - lotto_jobs_error_total: 失敗任務總數
//      - lotto_fallback_total: 走本地備援的評估次數
//      - lotto_stale_results_total: 被丟棄的過期結果
//      - lotto_persist_failures_total: 快照寫入失敗次數
//      - lotto_snapshot_backups_total: 備份快照次數
//
//   2. 性能指標 (Histogram)：
//      - lotto_evaluation_duration_seconds: 單一任務評估耗時
//
//   3. 狀態指標 (Gauge)：
//      - lotto_queue_jobs{status}: 各狀態任務數
//      - lotto_runner_running: Runner 是否運行中
//      - lotto_stream_observers: 目前連線的進度訂閱者
//      - lotto_recovery_requeued_jobs: 最近一次恢復時重新排隊的任務數
//
// 註冊方式:
//   使用 promauto.With(reg)，測試可傳入獨立的 prometheus.NewRegistry()
//   避免重複註冊。所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kdotropez/loto-news/pkg/types"
)

const namespace = "lotto"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsGenerated   prometheus.Counter
	jobsDispatched  prometheus.Counter
	jobsDone        prometheus.Counter
	jobsError       prometheus.Counter
	fallbacks       prometheus.Counter
	staleResults    prometheus.Counter
	persistFailures prometheus.Counter
	backups         prometheus.Counter

	// 效能指標
	evalDuration prometheus.Histogram

	// 狀態指標
	queueJobs *prometheus.GaugeVec
	running   prometheus.Gauge
	observers prometheus.Gauge
	requeued  prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		jobsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_generated_total",
			Help:      "Total number of jobs produced by queue generation",
		}),
		jobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs dispatched to the evaluator",
		}),
		jobsDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_done_total",
			Help:      "Total number of jobs finished with stats",
		}),
		jobsError: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_error_total",
			Help:      "Total number of jobs finished with an error",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Total number of evaluations served by the local fallback",
		}),
		staleResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Results dropped because the job was no longer running",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Snapshot writes that failed after an in-memory mutation",
		}),
		backups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_backups_total",
			Help:      "Backup snapshots written",
		}),
		evalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a single job",
			Buckets:   prometheus.DefBuckets,
		}),
		queueJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Current number of jobs per status",
		}, []string{"status"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_running",
			Help:      "1 while the scheduler loop is running",
		}),
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_observers",
			Help:      "Connected progress stream observers",
		}),
		requeued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_requeued_jobs",
			Help:      "Jobs moved from running back to pending by the last recovery",
		}),
	}
}

// RecordGenerated 記錄新產生的任務數
func (c *Collector) RecordGenerated(n int) {
	if c == nil {
		return
	}
	c.jobsGenerated.Add(float64(n))
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch(n int) {
	if c == nil {
		return
	}
	c.jobsDispatched.Add(float64(n))
}

// RecordResult 記錄一個任務結果
func (c *Collector) RecordResult(success, fallback bool, d time.Duration) {
	if c == nil {
		return
	}
	if success {
		c.jobsDone.Inc()
	} else {
		c.jobsError.Inc()
	}
	if fallback {
		c.fallbacks.Inc()
	}
	c.evalDuration.Observe(d.Seconds())
}

// RecordStale 記錄被丟棄的過期結果
func (c *Collector) RecordStale() {
	if c == nil {
		return
	}
	c.staleResults.Inc()
}

// RecordPersistFailure 記錄快照寫入失敗
func (c *Collector) RecordPersistFailure() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

// RecordBackup 記錄備份快照
func (c *Collector) RecordBackup() {
	if c == nil {
		return
	}
	c.backups.Inc()
}

// SetRecovery 設置最近一次恢復的重新排隊數
func (c *Collector) SetRecovery(requeued int) {
	if c == nil {
		return
	}
	c.requeued.Set(float64(requeued))
}

// SetRunning 更新 Runner 狀態
func (c *Collector) SetRunning(running bool) {
	if c == nil {
		return
	}
	if running {
		c.running.Set(1)
	} else {
		c.running.Set(0)
	}
}

// ObserverConnected 進度訂閱者連線
func (c *Collector) ObserverConnected() {
	if c == nil {
		return
	}
	c.observers.Inc()
}

// ObserverDisconnected 進度訂閱者離線
func (c *Collector) ObserverDisconnected() {
	if c == nil {
		return
	}
	c.observers.Dec()
}

// UpdateQueue 更新佇列狀態統計
func (c *Collector) UpdateQueue(counts types.Counts) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues(string(types.StatusPending)).Set(float64(counts.Pending))
	c.queueJobs.WithLabelValues(string(types.StatusRunning)).Set(float64(counts.Running))
	c.queueJobs.WithLabelValues(string(types.StatusDone)).Set(float64(counts.Done))
	c.queueJobs.WithLabelValues(string(types.StatusError)).Set(float64(counts.Error))
}

// Handler 返回 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
