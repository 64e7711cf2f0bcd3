package snapshot

// ============================================================================
// 職責說明：
// 1. 依 cron 表達式定期寫入快照備份
// 2. 每次備份後只保留最近 N 份
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Kdotropez/loto-news/pkg/types"
)

const backupTimeout = time.Minute

// scheduleParser 接受五欄位表達式與 @every / @hourly 等描述符
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule 檢查 cron 表達式是否合法
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return nil
}

// BackupScheduler 定期備份
type BackupScheduler struct {
	manager *Manager
	source  func() types.SnapshotData
	keep    int
	onDone  func(name string)
	cron    *cron.Cron
}

// NewBackupScheduler 建立備份排程
//
// 參數：
//   - source: 取得目前佇列快照（通常為 JobManager.Snapshot）
//   - keep: 保留份數，0 表示不清理
//   - onDone: 每次成功備份後呼叫，可為 nil
func NewBackupScheduler(m *Manager, spec string, source func() types.SnapshotData, keep int, onDone func(name string)) (*BackupScheduler, error) {
	if err := ValidateSchedule(spec); err != nil {
		return nil, err
	}

	b := &BackupScheduler{
		manager: m,
		source:  source,
		keep:    keep,
		onDone:  onDone,
		cron:    cron.New(cron.WithParser(scheduleParser)),
	}
	if _, err := b.cron.AddFunc(spec, b.run); err != nil {
		return nil, fmt.Errorf("failed to schedule backups: %w", err)
	}
	return b, nil
}

// Start 啟動排程（非阻塞）
func (b *BackupScheduler) Start() {
	b.cron.Start()
}

// Stop 停止排程並等待進行中的備份完成
func (b *BackupScheduler) Stop() {
	<-b.cron.Stop().Done()
}

// RunOnce 立即執行一次備份
func (b *BackupScheduler) RunOnce(ctx context.Context) (string, error) {
	name, err := b.manager.WriteBackup(ctx, b.source(), b.keep)
	if err != nil {
		return name, err
	}
	if b.onDone != nil {
		b.onDone(name)
	}
	return name, nil
}

func (b *BackupScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	name, err := b.RunOnce(ctx)
	if err != nil {
		slog.Error("Snapshot backup failed", "error", err)
		return
	}
	slog.Info("Snapshot backup written", "name", name)
}
