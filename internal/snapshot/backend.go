package snapshot

// ============================================================================
// 職責說明：
// 1. 定義快照的儲存抽象（Backend）
// 2. FileBackend：本地目錄，temp file + rename 原子寫入
// 3. BlobBackend：gocloud.dev/blob 物件儲存（file://、s3://、gs://）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// Backend 快照儲存後端
//
// Write 必須是原子性的：讀取者只會看到舊內容或新內容。
// Read 在物件不存在時回傳包裝 ErrSnapshotNotFound 的錯誤。
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config 描述快照要寫到哪裡
type Config struct {
	Path     string // 本地快照檔路徑（URL 為空時使用）
	URL      string // bucket URL，例如 s3://bucket?region=eu-west-1
	Key      string // bucket 內的物件名稱
	Compress bool
}

// Open 依設定建立快照管理器
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		if cfg.Path == "" {
			return nil, errors.New("snapshot path or url is required")
		}
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir %s: %w", dir, err)
		}
		return NewManagerWithBackend(NewFileBackend(dir), filepath.Base(cfg.Path), Options{Compress: cfg.Compress}), nil
	}

	key := cfg.Key
	if key == "" {
		key = "queue.snapshot.json"
	}
	backend, err := OpenBlobBackend(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewManagerWithBackend(backend, key, Options{Compress: cfg.Compress}), nil
}

// ============================================================================
// FileBackend
// ============================================================================

// FileBackend 以本地目錄保存快照
type FileBackend struct {
	dir string
}

// NewFileBackend 建立本地檔案後端
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

// Write 原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (b *FileBackend) Write(_ context.Context, key string, data []byte) error {
	path := filepath.Join(b.dir, key)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (b *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(b.dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// ============================================================================
// BlobBackend
// ============================================================================

// BlobBackend 以 gocloud.dev/blob bucket 保存快照
type BlobBackend struct {
	bucket *blob.Bucket
}

// OpenBlobBackend 開啟 bucket URL
func OpenBlobBackend(ctx context.Context, bucketURL string) (*BlobBackend, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open snapshot bucket %s: %w", bucketURL, err)
	}
	return &BlobBackend{bucket: bucket}, nil
}

// NewBlobBackend 包裝已開啟的 bucket
func NewBlobBackend(bucket *blob.Bucket) *BlobBackend {
	return &BlobBackend{bucket: bucket}
}

func (b *BlobBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write 透過 blob writer 上傳；物件在 Close 成功前對讀取者不可見
func (b *BlobBackend) Write(ctx context.Context, key string, data []byte) error {
	w, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (b *BlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := b.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (b *BlobBackend) Delete(ctx context.Context, key string) error {
	if err := b.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *BlobBackend) Close() error {
	return b.bucket.Close()
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*BlobBackend)(nil)
)
