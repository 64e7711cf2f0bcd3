// Package progress pushes queue progress to connected observers over
// server-sent events.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/Kdotropez/loto-news/internal/metrics"
	"github.com/Kdotropez/loto-news/pkg/types"
)

// Event types.
const (
	EventHello    = "hello"
	EventProgress = "progress"
	EventDone     = "done"
)

const (
	DefaultInterval = time.Second
	defaultBuffer   = 4
)

// Source supplies the current queue counters.
type Source interface {
	Counts() types.Counts
}

// SourceFunc adapts a function to Source.
type SourceFunc func() types.Counts

func (f SourceFunc) Counts() types.Counts { return f() }

// Snapshot is the bounded payload of every event. It never carries jobs.
type Snapshot struct {
	Done    int     `json:"done"` // jobs in a terminal status (done or error)
	Errors  int     `json:"errors"`
	Running int     `json:"running"`
	Pending int     `json:"pending"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Finished reports whether every job reached a terminal status.
func (s Snapshot) Finished() bool {
	return s.Total > 0 && s.Done == s.Total
}

// NewSnapshot derives a snapshot from queue counters.
func NewSnapshot(c types.Counts) Snapshot {
	s := Snapshot{
		Done:    c.Terminal(),
		Errors:  c.Error,
		Running: c.Running,
		Pending: c.Pending,
		Total:   c.Total,
	}
	if c.Total > 0 {
		s.Percent = math.Round(float64(s.Done)/float64(c.Total)*10000) / 100
	}
	return s
}

// Event is one message on the stream.
type Event struct {
	Type string   `json:"type"`
	Data Snapshot `json:"data"`
}

// Streamer fans queue snapshots out to observers. Each observer owns its own
// ticker, stopped as soon as its context ends.
type Streamer struct {
	src      Source
	interval time.Duration
	metrics  *metrics.Collector
}

// NewStreamer creates a streamer. A zero interval uses DefaultInterval.
func NewStreamer(src Source, interval time.Duration, m *metrics.Collector) *Streamer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Streamer{src: src, interval: interval, metrics: m}
}

// Subscribe starts a stream for one observer. The channel yields a hello
// event, then a current snapshot right away, then one snapshot per interval.
// It is closed after the done event or when ctx ends.
//
// Progress events are dropped when the observer falls behind; hello and done
// are always delivered unless ctx ends first.
func (s *Streamer) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, defaultBuffer)
	go s.run(ctx, ch)
	return ch
}

func (s *Streamer) run(ctx context.Context, ch chan<- Event) {
	defer close(ch)

	s.metrics.ObserverConnected()
	defer s.metrics.ObserverDisconnected()

	if !send(ctx, ch, Event{Type: EventHello, Data: NewSnapshot(s.src.Counts())}) {
		return
	}
	if s.emit(ctx, ch) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.emit(ctx, ch) {
				return
			}
		}
	}
}

// emit sends the current snapshot and reports whether the stream is over.
func (s *Streamer) emit(ctx context.Context, ch chan<- Event) bool {
	snap := NewSnapshot(s.src.Counts())
	if snap.Finished() {
		send(ctx, ch, Event{Type: EventDone, Data: snap})
		return true
	}

	select {
	case ch <- Event{Type: EventProgress, Data: snap}:
	default:
	}
	return ctx.Err() != nil
}

func send(ctx context.Context, ch chan<- Event, e Event) bool {
	select {
	case ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ServeHTTP streams events as text/event-stream until the queue is finished
// or the client disconnects.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range s.Subscribe(r.Context()) {
		data, err := json.Marshal(e.Data)
		if err != nil {
			slog.Error("Failed to encode progress event", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
			slog.Debug("Progress observer gone", "error", err)
			return
		}
		flusher.Flush()
	}
}
