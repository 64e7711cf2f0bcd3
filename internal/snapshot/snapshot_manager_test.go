package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、壓縮與備份輪替
// ============================================================================

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/fileblob"
)

func sampleData(seq uint64) types.SnapshotData {
	return types.SnapshotData{
		Jobs: []*types.Job{
			{
				ID:         "0-k5-A-0-10",
				TargetSize: 5,
				PatternIDs: []string{"A"},
				BatchFrom:  0,
				BatchTo:    10,
				Status:     types.StatusPending,
			},
			{
				ID:         "1-k5-B-0-10",
				TargetSize: 5,
				PatternIDs: []string{"B"},
				BatchFrom:  0,
				BatchTo:    10,
				Status:     types.StatusDone,
				Stats: &types.Stats{
					Hit3:          0.5,
					Hit4:          0.25,
					ExpectedValue: 15.0,
					GridEstimate:  110,
					SelectedSet:   []int{3, 7, 11, 19, 42},
				},
				UpdatedAt: 1700000000000,
			},
			{
				ID:         "2-k5-A+B-0-10",
				TargetSize: 5,
				PatternIDs: []string{"A", "B"},
				BatchFrom:  0,
				BatchTo:    10,
				Status:     types.StatusError,
				Error:      "connection refused",
			},
		},
		Space: &types.SpaceConfig{
			PatternIDs: []string{"A", "B"}, MaxLength: 2, KMin: 5, KMax: 5, HistorySize: 10, BatchSize: 10,
		},
		LastSeq: seq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("data/test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetKey())
}

// TestWriteAndLoad 測試寫入與載入快照，包含狀態與 stats
func TestWriteAndLoad(t *testing.T) {
	ctx := context.Background()
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleData(42)
	require.NoError(t, manager.Write(ctx, original))

	loaded, err := manager.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.NotZero(t, loaded.SavedAt)
	assert.Equal(t, original.Jobs, loaded.Jobs)
	assert.Equal(t, original.Space, loaded.Space)

	// 未壓縮快照應為可讀 JSON
	raw, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))
}

// TestAtomicWrite 測試寫入期間讀取只會看到完整快照
func TestAtomicWrite(t *testing.T) {
	ctx := context.Background()
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(ctx, sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(ctx, sampleData(100)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load(ctx)
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試存在性檢查
func TestExists(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	assert.False(t, manager.Exists(ctx))
	require.NoError(t, manager.Write(ctx, types.SnapshotData{}))
	assert.True(t, manager.Exists(ctx))
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	legacy := map[string]interface{}{
		"jobs":       map[string]interface{}{},
		"schema_ver": 1,
		"last_seq":   0,
	}
	jsonBytes, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"jobs": [{"id": "job-001", "status": "pending"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0644))

	_, err := manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestCurrentVersionWrongLayout 測試版本正確但結構錯誤的快照仍視為損壞
func TestCurrentVersionWrongLayout(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"jobs":{},"schema_ver":2}`), 0644))

	_, err := manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
	assert.NotErrorIs(t, err, ErrIncompatibleVersion)
}

// TestNilJobIsCorrupted 測試含 null 任務的快照
func TestNilJobIsCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"jobs":[null],"schema_ver":2}`), 0644))

	_, err := manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入不存在的目錄
func TestWriteFailure(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "missing", "dir", "test_snapshot.json")
	manager := NewManager(snapshotPath)

	err := manager.Write(context.Background(), sampleData(1))
	assert.Error(t, err)
}

// ============================================================================
// 壓縮與備份測試
// ============================================================================

// TestCompressedRoundTrip 測試 zstd 壓縮快照
func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manager := NewManagerWithBackend(NewFileBackend(dir), "queue.snapshot", Options{Compress: true})
	defer manager.Close()

	original := sampleData(7)
	require.NoError(t, manager.Write(ctx, original))

	raw, err := os.ReadFile(filepath.Join(dir, "queue.snapshot"))
	require.NoError(t, err)
	assert.Equal(t, zstdMagic, raw[:4])

	loaded, err := manager.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.Jobs, loaded.Jobs)

	// 未壓縮的管理器也能讀取壓縮快照
	plain := NewManagerWithBackend(NewFileBackend(dir), "queue.snapshot", Options{})
	loaded, err = plain.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.LastSeq)
}

// TestWriteBackupRetention 測試備份保留數量
func TestWriteBackupRetention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "queue.json"))
	require.NoError(t, manager.Write(ctx, sampleData(1)))

	var names []string
	for i := 0; i < 5; i++ {
		name, err := manager.WriteBackup(ctx, sampleData(uint64(10+i)), 3)
		require.NoError(t, err)
		names = append(names, name)
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups(ctx)
	require.NoError(t, err)
	assert.Equal(t, names[2:], backups)

	restored, err := manager.LoadBackup(ctx, backups[len(backups)-1])
	require.NoError(t, err)
	assert.Equal(t, uint64(14), restored.LastSeq)

	// 主快照不受備份影響
	current, err := manager.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), current.LastSeq)
}

// TestLoadBackupUnknownName 測試載入不存在的備份
func TestLoadBackupUnknownName(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(filepath.Join(t.TempDir(), "queue.json"))

	_, err := manager.LoadBackup(ctx, "other.json.20240101")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = manager.LoadBackup(ctx, "queue.json.20240101T000000.000000000")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestBlobBackendRoundTrip 測試 gocloud blob 後端（fileblob）
func TestBlobBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket, err := fileblob.OpenBucket(t.TempDir(), nil)
	require.NoError(t, err)

	manager := NewManagerWithBackend(NewBlobBackend(bucket), "snapshots/queue.json", Options{Compress: true})
	defer manager.Close()

	loaded, err := manager.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Jobs)

	original := sampleData(99)
	require.NoError(t, manager.Write(ctx, original))
	assert.True(t, manager.Exists(ctx))

	loaded, err = manager.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.Jobs, loaded.Jobs)
	assert.Equal(t, uint64(99), loaded.LastSeq)
}

// TestOpenLocal 測試 Open 會建立本地目錄
func TestOpenLocal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.json")

	manager, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, manager.Write(ctx, sampleData(3)))

	_, err = os.Stat(path)
	assert.NoError(t, err)

	_, err = Open(ctx, Config{})
	assert.Error(t, err)
}
