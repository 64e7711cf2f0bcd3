// ============================================================================
// Lotto-Search 調度器 (Runner) - 背景控制循環
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 週期性選取 pending 任務、分派給評估器、記錄結果
//
// 架構設計:
//   Runner 只消費 Queue Store 中目前的佇列，自己不生成任務：
//   - JobManager: 佇列與狀態轉換（每次變更自動持久化）
//   - WorkerPool: 執行評估（直接呼叫或帶本地備援）
//   - Publisher: 任務結束時發布結果事件
//   - Collector: Prometheus 指標
//
// 核心循環 (每次 Start 兩個 Goroutine):
//   1. Dispatch Loop - 每個 tick 依佇列順序 Poll 最多 BatchPerTick 個任務並提交
//   2. Result Loop - 接收 worker 結果並 Acknowledge（done / error）
//
// 狀態機:
//   stopped --Start()--> running
//   running --Start()--> running（就地更新位址、間隔、sliceSize）
//   running --Stop()---> stopped
//
// 停止語義:
//   Stop() 只發出訊號並立即返回；Dispatch Loop 在下一個 tick 前退出並關閉
//   Pool，已提交的任務照常完成，結果仍由 Result Loop 記錄，不會遺失。
//   Wait() 等待兩個循環完全退出。
//
// 崩潰恢復:
//   每次從 stopped 啟動時，先等待上一輪循環結束，再把殘留的 running 任務
//   放回 pending（上一個進程在分派途中結束時會留下這些任務）。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/internal/events"
	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/metrics"
	"github.com/Kdotropez/loto-news/internal/worker"
	"github.com/Kdotropez/loto-news/pkg/types"
)

var log = slog.Default()

// SetLogger 替換本套件使用的 logger（在 slog.SetDefault 之後呼叫）
func SetLogger(l *slog.Logger) {
	if l != nil {
		log = l
	}
}

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStopped Runner 未在運行
	ErrAlreadyStopped = errors.New("runner is not running")
	// ErrInvalidRunnerConfig 設定不合法
	ErrInvalidRunnerConfig = errors.New("invalid runner config")
)

// 預設值
const (
	DefaultInterval        = time.Second
	DefaultSliceSize       = 100
	DefaultBatchPerTick    = 1
	DefaultDispatchTimeout = 10 * time.Second
	DefaultWorkerCount     = 1

	publishTimeout = 5 * time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Runner 配置
type Config struct {
	TargetAddress   string        // 評估器位址，空字串由 ServiceFactory 決定（通常為本地評估）
	Interval        time.Duration // tick 間隔
	SliceSize       int           // 每個任務評估的歷史區間寬度上限
	BatchPerTick    int           // 同時在途的任務上限（每 tick 最多選取數）
	DispatchTimeout time.Duration // 單一評估呼叫的超時
	WorkerCount     int           // Worker 數量
	UseFallback     bool          // 評估失敗時改用本地備援
}

// WithDefaults 以預設值補齊零值欄位
func (c Config) WithDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.SliceSize == 0 {
		c.SliceSize = DefaultSliceSize
	}
	if c.BatchPerTick == 0 {
		c.BatchPerTick = DefaultBatchPerTick
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	return c
}

// Validate 檢查設定
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidRunnerConfig)
	case c.SliceSize <= 0:
		return fmt.Errorf("%w: sliceSize must be positive", ErrInvalidRunnerConfig)
	case c.BatchPerTick <= 0:
		return fmt.Errorf("%w: batchPerTick must be positive", ErrInvalidRunnerConfig)
	case c.DispatchTimeout <= 0:
		return fmt.Errorf("%w: dispatchTimeout must be positive", ErrInvalidRunnerConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: workerCount must be positive", ErrInvalidRunnerConfig)
	}
	return nil
}

// ServiceFactory 依評估器位址建立 evaluator.Service
type ServiceFactory func(targetAddress string) evaluator.Service

// Options 選用元件，nil 欄位會被忽略
type Options struct {
	Metrics   *metrics.Collector
	Publisher events.Publisher
}

// Status Runner 狀態（對外 JSON）
type Status struct {
	Running       bool         `json:"running"`
	TargetAddress string       `json:"targetAddress"`
	IntervalMs    int64        `json:"intervalMs"`
	SliceSize     int          `json:"sliceSize"`
	BatchPerTick  int          `json:"batchPerTick"`
	UseFallback   bool         `json:"useFallback"`
	InFlight      int64        `json:"inFlight"`
	Done          int          `json:"done"` // 已到終止狀態（done + error）
	Total         int          `json:"total"`
	Counts        types.Counts `json:"counts"`
	StartedAt     int64        `json:"startedAt,omitempty"`
}

// Runner 調度器
type Runner struct {
	store     *jobmanager.JobManager
	factory   ServiceFactory
	metrics   *metrics.Collector
	publisher events.Publisher

	lifecycle sync.Mutex // 序列化 Start / Stop

	mu         sync.Mutex
	cfg        Config
	exec       worker.Executor
	running    bool
	stopCh     chan struct{}
	intervalCh chan time.Duration
	loopDone   chan struct{}
	startedAt  time.Time

	inflight atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewRunner 建立新的 Runner（初始為 stopped）
func NewRunner(store *jobmanager.JobManager, factory ServiceFactory, opts Options) *Runner {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Runner{
		store:     store,
		factory:   factory,
		metrics:   opts.Metrics,
		publisher: publisher,
	}
}

// Start 啟動或就地重新設定 Runner
//
// 已在運行時只更新 TargetAddress、Interval、SliceSize、UseFallback，
// 不會啟動第二個循環；BatchPerTick、WorkerCount、DispatchTimeout
// 需要 Stop 後再 Start 才會生效。
func (r *Runner) Start(ctx context.Context, cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.reconfigure(cfg) {
		return nil
	}

	// 上一輪循環可能還在收尾
	if err := r.Wait(ctx); err != nil {
		return err
	}

	requeued, err := r.store.RequeueRunning(ctx)
	if err != nil && !errors.Is(err, jobmanager.ErrPersistFailed) {
		return fmt.Errorf("failed to recover running jobs: %w", err)
	}
	if err != nil {
		r.persistWarning("requeue", err)
	}
	if requeued > 0 {
		log.Info("Recovered interrupted jobs", "requeued_jobs", requeued)
	}
	r.metrics.SetRecovery(requeued)

	pool := worker.NewPool(cfg.BatchPerTick*2, worker.ExecutorFunc(r.execute))
	if err := pool.Start(cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	stopCh := make(chan struct{})
	intervalCh := make(chan time.Duration, 1)
	loopDone := make(chan struct{})

	r.mu.Lock()
	r.cfg = cfg
	r.exec = r.buildExecutor(cfg)
	r.running = true
	r.stopCh = stopCh
	r.intervalCh = intervalCh
	r.loopDone = loopDone
	r.startedAt = time.Now()
	r.mu.Unlock()

	go r.dispatchLoop(pool, cfg.Interval, stopCh, intervalCh)
	go r.resultLoop(pool, loopDone)

	r.metrics.SetRunning(true)
	log.Info("Runner started",
		"target", cfg.TargetAddress,
		"interval", cfg.Interval,
		"slice_size", cfg.SliceSize,
		"batch_per_tick", cfg.BatchPerTick,
		"workers", cfg.WorkerCount,
		"fallback", cfg.UseFallback)
	return nil
}

// reconfigure 在運行中就地更新設定，未運行時返回 false
func (r *Runner) reconfigure(cfg Config) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return false
	}

	intervalChanged := r.cfg.Interval != cfg.Interval
	r.cfg.TargetAddress = cfg.TargetAddress
	r.cfg.Interval = cfg.Interval
	r.cfg.SliceSize = cfg.SliceSize
	r.cfg.UseFallback = cfg.UseFallback
	r.exec = r.buildExecutor(r.cfg)

	if intervalChanged {
		// 只保留最新的間隔
		select {
		case <-r.intervalCh:
		default:
		}
		r.intervalCh <- cfg.Interval
	}

	log.Info("Runner reconfigured",
		"target", cfg.TargetAddress,
		"interval", cfg.Interval,
		"slice_size", cfg.SliceSize,
		"fallback", cfg.UseFallback)
	return true
}

// Stop 發出停止訊號（不等待在途任務）
func (r *Runner) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrAlreadyStopped
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.metrics.SetRunning(false)
	log.Info("Runner stopping", "in_flight", r.inflight.Load())
	return nil
}

// Wait 等待目前（或上一輪）循環完全退出
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.loopDone
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止 Runner、等待在途任務，並做最後一次持久化
func (r *Runner) Shutdown(ctx context.Context) error {
	if err := r.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	if err := r.Wait(ctx); err != nil {
		return fmt.Errorf("runner did not drain: %w", err)
	}
	if err := r.store.Save(ctx); err != nil {
		return fmt.Errorf("final save failed: %w", err)
	}
	log.Info("Runner shut down")
	return nil
}

// Config 目前的設定；停止後保留最後一次的設定，從未啟動時為零值
func (r *Runner) Config() Config {
	return r.config()
}

// Running 是否運行中
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status 取得 Runner 狀態
func (r *Runner) Status() Status {
	counts := r.store.Counts()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Running:       r.running,
		TargetAddress: r.cfg.TargetAddress,
		IntervalMs:    r.cfg.Interval.Milliseconds(),
		SliceSize:     r.cfg.SliceSize,
		BatchPerTick:  r.cfg.BatchPerTick,
		UseFallback:   r.cfg.UseFallback,
		InFlight:      r.inflight.Load(),
		Done:          counts.Terminal(),
		Total:         counts.Total,
		Counts:        counts,
	}
	if r.running {
		s.StartedAt = r.startedAt.UnixMilli()
	}
	return s
}

// ============================================================================
// 兩個核心循環
// ============================================================================

// dispatchLoop 每個 tick 選取 pending 任務並提交給 Worker Pool
// 退出時關閉 Pool，讓 resultLoop 收完剩餘結果後退出
func (r *Runner) dispatchLoop(pool *worker.Pool, interval time.Duration, stopCh <-chan struct{}, intervalCh <-chan time.Duration) {
	defer pool.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Info("Dispatch loop stopped")
			return

		case d := <-intervalCh:
			ticker.Reset(d)

		case <-ticker.C:
			// ticker 與 stop 同時就緒時優先停止
			select {
			case <-stopCh:
				log.Info("Dispatch loop stopped")
				return
			default:
			}
			r.tick(pool)
		}
	}
}

// tick 執行一次調度
func (r *Runner) tick(pool *worker.Pool) {
	free := int64(r.config().BatchPerTick) - r.inflight.Load()
	if free <= 0 {
		return
	}

	tasks, err := r.Poll(context.Background(), int(free))
	if err != nil {
		log.Error("Failed to poll pending jobs", "error", err)
		return
	}

	for _, task := range tasks {
		r.inflight.Add(1)
		if err := pool.Submit(task); err != nil {
			r.inflight.Add(-1)
			log.Error("Failed to submit task", "job_id", task.Job.ID, "error", err)
			r.finish(worker.Result{JobID: task.Job.ID, Error: err})
		}
	}
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉且結果取完
func (r *Runner) resultLoop(pool *worker.Pool, done chan<- struct{}) {
	defer close(done)

	for {
		result, err := pool.ReceiveResult()
		if err != nil {
			log.Info("Result loop stopped")
			return
		}
		r.inflight.Add(-1)
		r.finish(result)
	}
}

// finish 記錄結果；錯誤已在 Acknowledge 中記錄
func (r *Runner) finish(result worker.Result) {
	_ = r.Acknowledge(context.Background(), result)
}

// ============================================================================
// 內部輔助
// ============================================================================

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// execute 以目前的執行器評估任務（重新設定後立即生效）
func (r *Runner) execute(ctx context.Context, job types.Job) (worker.Outcome, error) {
	r.mu.Lock()
	exec := r.exec
	r.mu.Unlock()
	return exec.Execute(ctx, job)
}

func (r *Runner) buildExecutor(cfg Config) worker.Executor {
	svc := r.factory(cfg.TargetAddress)
	if cfg.UseFallback {
		return worker.NewFallback(svc, cfg.SliceSize)
	}
	return worker.Direct(svc, cfg.SliceSize)
}

func (r *Runner) persistWarning(op string, err error) {
	r.metrics.RecordPersistFailure()
	log.Warn("Queue change kept in memory but not persisted", "op", op, "error", err)
}

func (r *Runner) publish(job types.Job, fallback bool) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.publisher.Publish(ctx, events.FromJob(job, fallback)); err != nil {
		log.Warn("Failed to publish result event", "job_id", job.ID, "error", err)
	}
}
