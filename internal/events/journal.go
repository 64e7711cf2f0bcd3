package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrJournalCorrupt is returned by Replay when a record fails its checksum or
// cannot be decoded.
var ErrJournalCorrupt = errors.New("journal record corrupt")

const (
	journalScheme        = "file://"
	defaultJournalBuffer = 64
	defaultJournalFlush  = time.Second
)

// Record is one line of the journal.
type Record struct {
	Seq      uint64 `json:"seq"`
	Checksum uint32 `json:"checksum"` // CRC32-IEEE of the encoded event
	Event    Event  `json:"event"`
}

// Journal appends events to a local file, one JSON record per line. Records
// are buffered and written when the buffer fills, by a background flush every
// flush interval, or on Close.
type Journal struct {
	mu            sync.Mutex
	file          *os.File
	w             *bufio.Writer
	path          string
	seq           uint64
	buffer        []Record
	bufferSize    int
	flushInterval time.Duration
	lastFlush     time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// OpenJournal opens or creates the journal at path. An existing journal is
// replayed to continue its sequence.
func OpenJournal(path string) (*Journal, error) {
	return openJournal(path, defaultJournalFlush)
}

func openJournal(path string, flushInterval time.Duration) (*Journal, error) {
	var seq uint64
	if _, err := os.Stat(path); err == nil {
		if err := ReplayJournal(path, func(r Record) error {
			seq = r.Seq
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	j := &Journal{
		file:          f,
		w:             bufio.NewWriter(f),
		path:          path,
		seq:           seq,
		buffer:        make([]Record, 0, defaultJournalBuffer),
		bufferSize:    defaultJournalBuffer,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go j.flushLoop()
	return j, nil
}

// flushLoop writes buffered records every flush interval until Close.
func (j *Journal) flushLoop() {
	defer close(j.done)

	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.file != nil && len(j.buffer) > 0 {
				if err := j.flushLocked(); err != nil {
					slog.Warn("Failed to flush event journal", "path", j.path, "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

// Publish appends the event. Terminal errors flush right away.
func (j *Journal) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return os.ErrClosed
	}

	j.seq++
	j.buffer = append(j.buffer, Record{Seq: j.seq, Checksum: crc32.ChecksumIEEE(body), Event: e})

	if len(j.buffer) >= j.bufferSize || time.Since(j.lastFlush) > j.flushInterval || e.Error != "" {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered records and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	enc := json.NewEncoder(j.w)
	for _, r := range j.buffer {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlush = time.Now()

	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// LastSeq returns the sequence number of the last appended record.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the file. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	j.file = nil
	return errors.Join(flushErr, closeErr)
}

// ReplayJournal calls handler for every record of the journal at path, in
// order. It stops at the first corrupt record or handler error.
func ReplayJournal(path string, handler func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var r Record
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
		}

		body, err := json.Marshal(r.Event)
		if err != nil {
			return err
		}
		if crc32.ChecksumIEEE(body) != r.Checksum {
			return fmt.Errorf("%w: checksum mismatch at seq %d", ErrJournalCorrupt, r.Seq)
		}

		if err := handler(r); err != nil {
			return err
		}
	}
}

// journalPath extracts the file path from a file:// URL.
func journalPath(url string) (string, bool) {
	if !strings.HasPrefix(url, journalScheme) {
		return "", false
	}
	return strings.TrimPrefix(url, journalScheme), true
}

var _ Publisher = (*Journal)(nil)
