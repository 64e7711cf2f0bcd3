// ============================================================================
// Lotto-Search 佇列儲存 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存目前唯一的任務佇列，管理狀態轉換並持久化
//
// 設計理念:
//   1. jobs 切片 - 依生成順序保存所有任務，是單一真實來源
//   2. index map - 以 JobID 快速定位任務
//   3. cursor - 第一個可能為 pending 的位置，避免每次從頭掃描
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ ClaimPending()
//   Running (執行中)
//      ↓ MarkDone() / MarkError()
//   Done (完成) / Error (錯誤，不自動重試)
//
//   Running → Pending: RequeueRunning()（Runner 重新啟動時的恢復）
//   任何狀態 → Pending: ResetAll() 或 Replace(..., resetStatus=true)
//
// 持久化:
//   - 每次改變狀態或替換佇列後，都把完整佇列寫入 Store
//   - 變更在鎖內完成並取得序號，寫入在 persistMu 內序列化
//   - 較舊序號的快照不會覆蓋已寫入的較新快照
//   - 寫入失敗不回滾記憶體狀態，回傳包裝 ErrPersistFailed 的錯誤
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀取者只會看到變更前或變更後的完整佇列
//   - 所有對外回傳的 Job 都是深拷貝
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在執行中狀態
	ErrNotRunning = errors.New("job not running")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務欄位不合法
	ErrInvalidJob = errors.New("invalid job")
	// 記憶體狀態已更新，但寫入持久化儲存失敗
	ErrPersistFailed = errors.New("failed to persist queue")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 佇列的持久化儲存（由 snapshot.Manager 實作）
type Store interface {
	Load(ctx context.Context) (types.SnapshotData, error)
	Write(ctx context.Context, data types.SnapshotData) error
}

// JobManager 代表佇列儲存
type JobManager struct {
	mu     sync.RWMutex
	jobs   []*types.Job               // 依生成順序的所有任務
	index  map[types.JobID]*types.Job // ID 索引
	cursor int                        // jobs[:cursor] 中沒有 pending 任務
	space  *types.SpaceConfig         // 生成目前佇列的搜尋空間
	loaded bool                       // 是否已從 Store 載入（或已被替換）
	seq    uint64                     // 變更序號

	store     Store
	persistMu sync.Mutex // 序列化 Store 寫入
	persisted uint64     // 已寫入 Store 的最大序號
	now       func() time.Time
}

// ============================================================================
// 核心方法
// ============================================================================

// NewJobManager 建立新的佇列儲存
//
// 參數說明：
//   - store: 持久化儲存，傳入 nil 表示僅保存在記憶體
//
// 使用範例：
//
//	jm := NewJobManager(snapshot.NewManager("data/queue.json"))
//	if err := jm.Load(ctx); err != nil {
//	    return err
//	}
func NewJobManager(store Store) *JobManager {
	return &JobManager{
		jobs:  make([]*types.Job, 0),
		index: make(map[types.JobID]*types.Job),
		store: store,
		now:   time.Now,
	}
}

// Load 從持久化儲存載入佇列
//
// 冪等：已載入或已被 Replace 過時直接回傳 nil。
// 失敗時不標記為已載入，之後可以重試。
func (jm *JobManager) Load(ctx context.Context) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.loaded {
		return nil
	}
	if jm.store == nil {
		jm.loaded = true
		return nil
	}

	data, err := jm.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	jobs := make([]types.Job, 0, len(data.Jobs))
	for _, j := range data.Jobs {
		jobs = append(jobs, *j)
	}
	list, index, err := normalize(jobs, false)
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	jm.jobs = list
	jm.index = index
	jm.cursor = 0
	jm.space = cloneSpace(data.Space)
	jm.seq = data.LastSeq
	jm.loaded = true

	jm.persistMu.Lock()
	jm.persisted = data.LastSeq
	jm.persistMu.Unlock()
	return nil
}

// Save 將目前佇列完整寫入持久化儲存（覆蓋舊快照）
func (jm *JobManager) Save(ctx context.Context) error {
	jm.mu.RLock()
	data := jm.snapshotLocked()
	jm.mu.RUnlock()
	return jm.persist(ctx, data, true)
}

// Replace 以新佇列完整取代舊佇列（不合併）
//
// 參數說明：
//   - jobs: 新佇列，順序即調度順序
//   - resetStatus: true 時所有任務重設為 pending 並清除 stats；
//     false 時保留輸入的狀態（用於恢復或匯入）
//
// 錯誤處理：
//   - ErrDuplicateJob / ErrInvalidJob: 佇列不合法，舊佇列保持不變
//   - ErrPersistFailed: 記憶體已替換，但持久化失敗
func (jm *JobManager) Replace(ctx context.Context, jobs []types.Job, resetStatus bool) error {
	return jm.replace(ctx, jobs, resetStatus, nil)
}

// ReplaceGenerated 以新生成的佇列取代舊佇列，並記錄搜尋空間
func (jm *JobManager) ReplaceGenerated(ctx context.Context, space types.SpaceConfig, jobs []types.Job) error {
	return jm.replace(ctx, jobs, true, &space)
}

func (jm *JobManager) replace(ctx context.Context, jobs []types.Job, reset bool, space *types.SpaceConfig) error {
	list, index, err := normalize(jobs, reset)
	if err != nil {
		return err
	}
	return jm.mutate(ctx, func() error {
		jm.jobs = list
		jm.index = index
		jm.cursor = 0
		jm.space = cloneSpace(space)
		jm.loaded = true
		return nil
	})
}

// ClaimPending 依佇列順序選取最多 n 個 pending 任務並標記為 running
//
// 返回值：
//   - []types.Job: 被選取任務的拷貝（可能為空）
//   - error: 只可能是 ErrPersistFailed，此時任務仍已標記為 running
func (jm *JobManager) ClaimPending(ctx context.Context, n int) ([]types.Job, error) {
	if n <= 0 {
		return nil, nil
	}

	var claimed []types.Job
	err := jm.mutate(ctx, func() error {
		now := jm.now().UnixMilli()
		for i := jm.cursor; i < len(jm.jobs) && len(claimed) < n; i++ {
			job := jm.jobs[i]
			if job.Status != types.StatusPending {
				if len(claimed) == 0 {
					jm.cursor = i + 1
				}
				continue
			}
			job.Status = types.StatusRunning
			job.Error = ""
			job.UpdatedAt = now
			claimed = append(claimed, job.Clone())
			if len(claimed) == 1 {
				jm.cursor = i + 1
			}
		}
		if len(claimed) == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	return claimed, err
}

// MarkDone 將執行中的任務標記為完成並寫入 stats
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在（例如佇列已被替換）
//   - ErrNotRunning: 任務不在 running 狀態（過期結果）
func (jm *JobManager) MarkDone(ctx context.Context, jobID types.JobID, stats types.Stats) error {
	return jm.finish(ctx, jobID, func(job *types.Job) {
		job.Status = types.StatusDone
		job.Stats = stats.Clone()
		job.Error = ""
	})
}

// MarkError 將執行中的任務標記為錯誤（不自動重試）
func (jm *JobManager) MarkError(ctx context.Context, jobID types.JobID, reason string) error {
	return jm.finish(ctx, jobID, func(job *types.Job) {
		job.Status = types.StatusError
		job.Stats = nil
		job.Error = reason
	})
}

func (jm *JobManager) finish(ctx context.Context, jobID types.JobID, apply func(*types.Job)) error {
	return jm.mutate(ctx, func() error {
		job, ok := jm.index[jobID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.Status != types.StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
		}
		apply(job)
		job.UpdatedAt = jm.now().UnixMilli()
		return nil
	})
}

// RequeueRunning 將所有 running 任務放回 pending（恢復中斷的調度）
func (jm *JobManager) RequeueRunning(ctx context.Context) (int, error) {
	count := 0
	err := jm.mutate(ctx, func() error {
		for _, job := range jm.jobs {
			if job.Status == types.StatusRunning {
				job.Status = types.StatusPending
				count++
			}
		}
		if count == 0 {
			return errNoChange
		}
		jm.cursor = 0
		return nil
	})
	if errors.Is(err, errNoChange) {
		return 0, nil
	}
	return count, err
}

// ResetAll 將所有任務重設為 pending 並清除結果
func (jm *JobManager) ResetAll(ctx context.Context) error {
	return jm.mutate(ctx, func() error {
		for _, job := range jm.jobs {
			job.Status = types.StatusPending
			job.Stats = nil
			job.Error = ""
			job.UpdatedAt = 0
		}
		jm.cursor = 0
		return nil
	})
}

// ============================================================================
// 查詢方法
// ============================================================================

// Jobs 回傳目前佇列的深拷貝
func (jm *JobManager) Jobs() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, len(jm.jobs))
	for i, job := range jm.jobs {
		out[i] = job.Clone()
	}
	return out
}

// GetJob 根據 ID 取得任務拷貝
func (jm *JobManager) GetJob(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.index[jobID]
	if !ok {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// Counts 統計各狀態任務數量
func (jm *JobManager) Counts() types.Counts {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.countsLocked()
}

func (jm *JobManager) countsLocked() types.Counts {
	c := types.Counts{Total: len(jm.jobs)}
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusPending:
			c.Pending++
		case types.StatusRunning:
			c.Running++
		case types.StatusDone:
			c.Done++
		case types.StatusError:
			c.Error++
		}
	}
	return c
}

// Manifest 計算佇列摘要（衍生視圖，不持久化）
func (jm *JobManager) Manifest() types.Manifest {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return types.Manifest{
		Space:      cloneSpace(jm.space),
		Counts:     jm.countsLocked(),
		ComputedAt: jm.now().UnixMilli(),
	}
}

// Snapshot 回傳目前佇列的快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.snapshotLocked()
}

// ============================================================================
// 內部輔助
// ============================================================================

// errNoChange 表示 mutate 的函式沒有改變任何狀態，不需要持久化
var errNoChange = errors.New("no change")

// mutate 在寫鎖內套用 fn，成功後遞增序號並持久化
func (jm *JobManager) mutate(ctx context.Context, fn func() error) error {
	jm.mu.Lock()
	if err := fn(); err != nil {
		jm.mu.Unlock()
		return err
	}
	jm.seq++
	data := jm.snapshotLocked()
	jm.mu.Unlock()

	return jm.persist(ctx, data, false)
}

func (jm *JobManager) persist(ctx context.Context, data types.SnapshotData, force bool) error {
	if jm.store == nil {
		return nil
	}

	jm.persistMu.Lock()
	defer jm.persistMu.Unlock()

	// 較新的快照已寫入，舊資料不可覆蓋
	if data.LastSeq < jm.persisted || (!force && data.LastSeq == jm.persisted) {
		return nil
	}

	if err := jm.store.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	jm.persisted = data.LastSeq
	return nil
}

func (jm *JobManager) snapshotLocked() types.SnapshotData {
	jobs := make([]*types.Job, len(jm.jobs))
	for i, job := range jm.jobs {
		c := job.Clone()
		jobs[i] = &c
	}
	return types.SnapshotData{
		Jobs:    jobs,
		Space:   cloneSpace(jm.space),
		LastSeq: jm.seq,
	}
}

// normalize 驗證並拷貝輸入佇列
func normalize(jobs []types.Job, reset bool) ([]*types.Job, map[types.JobID]*types.Job, error) {
	list := make([]*types.Job, 0, len(jobs))
	index := make(map[types.JobID]*types.Job, len(jobs))

	for i := range jobs {
		job := jobs[i].Clone()

		switch {
		case job.ID == "":
			return nil, nil, fmt.Errorf("%w: empty id at index %d", ErrInvalidJob, i)
		case job.TargetSize <= 0:
			return nil, nil, fmt.Errorf("%w: %s has targetSize %d", ErrInvalidJob, job.ID, job.TargetSize)
		case len(job.PatternIDs) == 0:
			return nil, nil, fmt.Errorf("%w: %s has no patternIds", ErrInvalidJob, job.ID)
		case job.BatchFrom < 0 || job.BatchTo <= job.BatchFrom:
			return nil, nil, fmt.Errorf("%w: %s has range [%d,%d)", ErrInvalidJob, job.ID, job.BatchFrom, job.BatchTo)
		}
		if _, dup := index[job.ID]; dup {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}

		if reset {
			job.Status = types.StatusPending
			job.Stats = nil
			job.Error = ""
			job.UpdatedAt = 0
		} else {
			if !job.Status.Valid() {
				return nil, nil, fmt.Errorf("%w: %s has status %q", ErrInvalidJob, job.ID, job.Status)
			}
			if job.Status == types.StatusDone && job.Stats == nil {
				return nil, nil, fmt.Errorf("%w: %s is done without stats", ErrInvalidJob, job.ID)
			}
			if job.Status != types.StatusDone {
				job.Stats = nil
			}
		}

		list = append(list, &job)
		index[job.ID] = &job
	}
	return list, index, nil
}

func cloneSpace(s *types.SpaceConfig) *types.SpaceConfig {
	if s == nil {
		return nil
	}
	out := *s
	out.PatternIDs = append([]string(nil), s.PatternIDs...)
	return &out
}
