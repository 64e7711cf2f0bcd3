package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// Source supplies the ordered sequence of historical draws. Implementations
// treat the underlying data as read-only and already normalized.
type Source interface {
	Draws(ctx context.Context) ([]types.Draw, error)
}

// Options selects and configures a Source.
type Options struct {
	Backend    string        // file, mongo or postgres
	Path       string        // file backend
	URI        string        // mongo connection string
	Database   string        // mongo database
	Collection string        // mongo collection
	DSN        string        // postgres connection string
	Table      string        // postgres table
	Timeout    time.Duration // connect/query timeout
	CacheTTL   time.Duration // 0 disables caching
}

// Open builds the Source named by opts.Backend. The returned close func is
// never nil.
func Open(ctx context.Context, opts Options) (Source, func(), error) {
	var (
		src     Source
		closeFn = func() {}
	)

	switch opts.Backend {
	case "", "file":
		if opts.Path == "" {
			return nil, closeFn, errors.New("history file path is required")
		}
		src = NewFileSource(opts.Path)
	case "mongo":
		m, err := ConnectMongo(ctx, opts.URI, opts.Database, opts.Collection, opts.Timeout)
		if err != nil {
			return nil, closeFn, err
		}
		src = m
		closeFn = func() {
			if err := m.Disconnect(context.Background()); err != nil {
				slog.Warn("Failed to disconnect history database", "error", err)
			}
		}
	case "postgres":
		p, err := ConnectPostgres(ctx, opts.DSN, opts.Table)
		if err != nil {
			return nil, closeFn, err
		}
		src = p
		closeFn = p.Close
	default:
		return nil, closeFn, fmt.Errorf("unknown history backend %q", opts.Backend)
	}

	if opts.CacheTTL > 0 {
		src = NewCached(src, opts.CacheTTL)
	}
	return src, closeFn, nil
}

// FileSource reads draws from a JSON array of {date, numbers} objects.
type FileSource struct {
	path string
}

// NewFileSource creates a file backed source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Draws reads the whole file on every call. A missing file is an empty history.
func (s *FileSource) Draws(_ context.Context) ([]types.Draw, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var draws []types.Draw
	if err := json.Unmarshal(data, &draws); err != nil {
		return nil, fmt.Errorf("failed to parse history file %s: %w", s.path, err)
	}
	return draws, nil
}

// Static is an in-memory Source.
type Static []types.Draw

// Draws returns the slice itself.
func (s Static) Draws(_ context.Context) ([]types.Draw, error) {
	return s, nil
}

// Cached wraps a Source and reuses its result for ttl.
type Cached struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	draws     []types.Draw
	fetchedAt time.Time
	valid     bool
}

// NewCached creates a caching wrapper around src.
func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, ttl: ttl, now: time.Now}
}

// Draws returns the cached draws, refreshing them when expired. Errors are
// not cached.
func (c *Cached) Draws(ctx context.Context) ([]types.Draw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.draws, nil
	}

	draws, err := c.src.Draws(ctx)
	if err != nil {
		return nil, err
	}
	c.draws = draws
	c.fetchedAt = c.now()
	c.valid = true
	return draws, nil
}

// Invalidate drops the cached value.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
