package worker

import (
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	Job     types.Job     // 任務內容（已標記為 running 的副本）
	Timeout time.Duration // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Stats    types.Stats   // 成功時的統計結果
	Success  bool          // 執行是否成功
	Fallback bool          // 統計結果是否來自本地備援
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
