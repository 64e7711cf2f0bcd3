// Package types 定義了 lotto-search 系統中使用的核心領域模型
package types

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending JobStatus = "pending" // 待處理狀態：任務已生成但尚未被調度
	StatusRunning JobStatus = "running" // 執行中狀態：任務已被 Runner 選取並分派
	StatusDone    JobStatus = "done"    // 完成狀態：評估成功，stats 已填入
	StatusError   JobStatus = "error"   // 錯誤狀態：評估失敗，不會自動重試
)

// Valid 檢查狀態值是否合法
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

// Terminal 回傳狀態是否為終止狀態（done 或 error）
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Stats 單一任務的評估結果
type Stats struct {
	Hit3          float64 `json:"hit3"`
	Hit4          float64 `json:"hit4"`
	Hit5          float64 `json:"hit5"`
	ExpectedValue float64 `json:"expectedValue"`
	GridEstimate  int64   `json:"gridEstimate"` // 粗略規模估計，非精確組合數
	SelectedSet   []int   `json:"selectedSet"`
}

// Clone 深拷貝 Stats
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	out := *s
	if s.SelectedSet != nil {
		out.SelectedSet = append([]int(nil), s.SelectedSet...)
	}
	return &out
}

// Job 任務結構，代表一次 (targetSize, pattern 組合, 歷史區間) 的評估
//
// 不變量：
//   - 0 <= BatchFrom < BatchTo
//   - Stats 僅在 Status 為 done 時存在
type Job struct {
	// 識別與參數
	ID         JobID    `json:"id"`         // 由生成序號與參數推導的唯一 ID
	TargetSize int      `json:"targetSize"` // k：每次評估選出的候選數
	PatternIDs []string `json:"patternIds"` // 已排序的 pattern 識別碼組合
	BatchFrom  int      `json:"batchFrom"`  // 歷史區間起點（含）
	BatchTo    int      `json:"batchTo"`    // 歷史區間終點（不含）

	// 狀態追蹤
	Status JobStatus `json:"status"`
	Stats  *Stats    `json:"stats,omitempty"`
	Error  string    `json:"error,omitempty"` // 最近一次失敗原因

	// 最後一次狀態轉換時間（Unix 毫秒），生成時為 0
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// Clone 深拷貝 Job，避免呼叫端與 Queue Store 共用底層切片
func (j Job) Clone() Job {
	out := j
	if j.PatternIDs != nil {
		out.PatternIDs = append([]string(nil), j.PatternIDs...)
	}
	out.Stats = j.Stats.Clone()
	return out
}

// SpaceConfig 搜尋空間設定，只在生成佇列時使用
type SpaceConfig struct {
	PatternIDs  []string `json:"patternIds" yaml:"pattern_ids"`
	MaxLength   int      `json:"maxLength" yaml:"max_length"` // Lmax：組合最大長度
	KMin        int      `json:"kMin" yaml:"k_min"`
	KMax        int      `json:"kMax" yaml:"k_max"`
	HistorySize int      `json:"historySize" yaml:"history_size"`
	BatchSize   int      `json:"batchSize" yaml:"batch_size"`
}

// Counts 佇列狀態統計
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Error   int `json:"error"`
}

// Terminal 已到達終止狀態的任務數（done + error）
func (c Counts) Terminal() int {
	return c.Done + c.Error
}

// Manifest 佇列摘要，隨需重新計算，不作為權威狀態持久化
type Manifest struct {
	Space      *SpaceConfig `json:"space,omitempty"`
	Counts     Counts       `json:"counts"`
	ComputedAt int64        `json:"computedAt"` // Unix 毫秒
}

// Draw 一筆歷史開獎紀錄
type Draw struct {
	Date    string `json:"date" bson:"date"`
	Numbers []int  `json:"numbers" bson:"numbers"`
}

// SnapshotData 快照資料，用於佇列狀態的持久化和恢復
// Jobs 以切片保存以維持佇列順序
type SnapshotData struct {
	Jobs      []*Job       `json:"jobs"`            // 完整任務佇列（依生成順序）
	Space     *SpaceConfig `json:"space,omitempty"` // 生成此佇列的搜尋空間（若已知）
	SchemaVer int          `json:"schema_ver"`      // 資料結構版本號，用於向後相容性
	LastSeq   uint64       `json:"last_seq"`        // 產生此快照的最後變更序號
	SavedAt   int64        `json:"saved_at"`        // 寫入時間（Unix 毫秒）
}
