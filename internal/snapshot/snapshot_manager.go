package snapshot

// ============================================================================
// 職責說明：
// 1. 將完整任務佇列序列化為 JSON 快照
// 2. 透過 Backend 原子性寫入（本地 temp file + rename 或物件儲存）
// 3. 載入時驗證 schema 版本相容性
// 4. 可選 zstd 壓縮，載入時依 magic bytes 自動判斷
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
	"github.com/klauspost/compress/zstd"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 2

// backupTimeFormat 備份檔名後綴，字典序即時間序
const backupTimeFormat = "20060102T150405.000000000"

// zstd frame magic number
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 快照管理器選項
type Options struct {
	Compress bool // 寫入時使用 zstd 壓縮
}

// Manager 快照管理器
type Manager struct {
	backend Backend    // 底層儲存
	key     string     // 快照物件名稱
	opts    Options    // 寫入選項
	mu      sync.Mutex // 保護寫入與備份輪替

	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立以本地檔案為後端的快照管理器
func NewManager(path string) *Manager {
	return NewManagerWithBackend(NewFileBackend(filepath.Dir(path)), filepath.Base(path), Options{})
}

// NewManagerWithBackend 以任意 Backend 建立快照管理器
func NewManagerWithBackend(backend Backend, key string, opts Options) *Manager {
	return &Manager{
		backend: backend,
		key:     key,
		opts:    opts,
	}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 設定版本號與寫入時間
// 2. 序列化為 JSON（未壓縮時帶縮排，方便人工閱讀）
// 3. 交由 Backend 原子性替換舊快照
func (m *Manager) Write(ctx context.Context, data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(ctx, m.key, data)
}

func (m *Manager) writeLocked(ctx context.Context, key string, data types.SnapshotData) error {
	payload, err := m.encode(data)
	if err != nil {
		return err
	}
	if err := m.backend.Write(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (m *Manager) encode(data types.SnapshotData) ([]byte, error) {
	data.SchemaVer = SchemaVersion
	data.SavedAt = time.Now().UnixMilli()
	if data.Jobs == nil {
		data.Jobs = []*types.Job{}
	}

	var (
		raw []byte
		err error
	)
	if m.opts.Compress {
		raw, err = json.Marshal(data)
	} else {
		raw, err = json.MarshalIndent(data, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if !m.opts.Compress {
		return raw, nil
	}
	if err := m.initCodec(); err != nil {
		return nil, err
	}
	return m.encoder.EncodeAll(raw, nil), nil
}

// Load 載入快照
//
// 行為：
//   - 快照不存在時回傳空的 SnapshotData（首次啟動）
//   - 以 magic bytes 判斷是否需要 zstd 解壓
//   - 驗證 schema 版本是否相容
func (m *Manager) Load(ctx context.Context) (types.SnapshotData, error) {
	return m.loadKey(ctx, m.key, true)
}

// LoadBackup 載入指定名稱的備份快照
func (m *Manager) LoadBackup(ctx context.Context, name string) (types.SnapshotData, error) {
	if !strings.HasPrefix(name, m.key+".") {
		return types.SnapshotData{}, fmt.Errorf("%w: %s is not a backup of %s", ErrSnapshotNotFound, name, m.key)
	}
	return m.loadKey(ctx, name, false)
}

// snapshotHeader 快照的版本資訊
type snapshotHeader struct {
	SchemaVer int `json:"schema_ver"`
}

func (m *Manager) loadKey(ctx context.Context, key string, missingOK bool) (types.SnapshotData, error) {
	var data types.SnapshotData

	raw, err := m.backend.Read(ctx, key)
	if err != nil {
		if missingOK && errors.Is(err, ErrSnapshotNotFound) {
			// 首次啟動，無快照，回傳空狀態
			return types.SnapshotData{
				Jobs:      []*types.Job{},
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if bytes.HasPrefix(raw, zstdMagic) {
		if err := m.initCodec(); err != nil {
			return data, err
		}
		raw, err = m.decoder.DecodeAll(raw, nil)
		if err != nil {
			return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}

	// 先只讀版本號，舊版結構不會被誤判為損壞
	var header snapshotHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if header.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, header.SchemaVer, SchemaVersion)
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.Jobs == nil {
		data.Jobs = []*types.Job{}
	}
	for i, job := range data.Jobs {
		if job == nil {
			return data, fmt.Errorf("%w: nil job at index %d", ErrCorruptedSnapshot, i)
		}
	}

	return data, nil
}

// Exists 檢查快照是否存在
func (m *Manager) Exists(ctx context.Context) bool {
	_, err := m.backend.Read(ctx, m.key)
	return err == nil
}

// GetKey 取得快照物件名稱（用於測試與除錯）
func (m *Manager) GetKey() string {
	return m.key
}

// WriteBackup 寫入一份帶時間戳的備份，並只保留最近 keep 份
//
// 返回值：
//   - string: 新備份的物件名稱
//   - error: 寫入或清理失敗
func (m *Manager) WriteBackup(ctx context.Context, data types.SnapshotData, keep int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := fmt.Sprintf("%s.%s", m.key, time.Now().UTC().Format(backupTimeFormat))
	if err := m.writeLocked(ctx, name, data); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if keep > 0 {
		if err := m.pruneLocked(ctx, keep); err != nil {
			return name, err
		}
	}
	return name, nil
}

// Backups 列出現有備份（舊到新）
func (m *Manager) Backups(ctx context.Context) ([]string, error) {
	keys, err := m.backend.List(ctx, m.key+".")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, ".tmp") {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneLocked(ctx context.Context, keep int) error {
	backups, err := m.Backups(ctx)
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := m.backend.Delete(ctx, backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", backups[0], err)
		}
		backups = backups[1:]
	}
	return nil
}

func (m *Manager) initCodec() error {
	m.codecOnce.Do(func() {
		m.encoder, m.codecErr = zstd.NewWriter(nil)
		if m.codecErr != nil {
			return
		}
		m.decoder, m.codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	if m.codecErr != nil {
		return fmt.Errorf("failed to init zstd codec: %w", m.codecErr)
	}
	return nil
}

// Close 釋放底層儲存與壓縮資源
func (m *Manager) Close() error {
	if m.decoder != nil {
		m.decoder.Close()
	}
	if m.encoder != nil {
		m.encoder.Close()
	}
	return m.backend.Close()
}
