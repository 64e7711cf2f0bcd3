package events

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kdotropez/loto-news/pkg/types"
)

func replayAll(t *testing.T, path string) []Record {
	t.Helper()
	var records []Record
	require.NoError(t, ReplayJournal(path, func(r Record) error {
		records = append(records, r)
		return nil
	}))
	return records
}

func TestJournalAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	ctx := context.Background()
	stats := &types.Stats{Hit3: 0.25, ExpectedValue: 1.25, SelectedSet: []int{4, 8, 15}}
	require.NoError(t, j.Publish(ctx, FromJob(types.Job{ID: "a", Status: types.StatusDone, Stats: stats}, false)))
	require.NoError(t, j.Publish(ctx, FromJob(types.Job{ID: "b", Status: types.StatusDone}, true)))
	assert.Equal(t, uint64(2), j.LastSeq())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	records := replayAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, types.JobID("a"), records[0].Event.JobID)
	assert.Equal(t, []int{4, 8, 15}, records[0].Event.Stats.SelectedSet)
	assert.True(t, records[1].Event.Fallback)
}

// TestJournalContinuesSequence tests a reopened journal appends after the last record
func TestJournalContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	ctx := context.Background()

	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Publish(ctx, Event{JobID: "a", Status: types.StatusDone}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), j.LastSeq())
	require.NoError(t, j.Publish(ctx, Event{JobID: "b", Status: types.StatusError, Error: "timeout"}))
	require.NoError(t, j.Close())

	records := replayAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), records[1].Seq)
	assert.Equal(t, "timeout", records[1].Event.Error)
}

func TestJournalErrorEventsFlushImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Publish(context.Background(), Event{JobID: "a", Status: types.StatusError, Error: "boom"}))

	// visible on disk before Close
	assert.Len(t, replayAll(t, path), 1)
}

// TestJournalFlushesOnInterval tests buffered records reach disk without a further publish
func TestJournalFlushesOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	j, err := openJournal(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Publish(context.Background(), Event{JobID: "a", Status: types.StatusDone}))

	assert.Eventually(t, func() bool {
		var n int
		_ = ReplayJournal(path, func(Record) error {
			n++
			return nil
		})
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJournalDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Publish(context.Background(), Event{JobID: "a", Status: types.StatusDone}))
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"jobId":"a"`, `"jobId":"z"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = ReplayJournal(path, func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrJournalCorrupt)

	_, err = OpenJournal(path)
	assert.ErrorIs(t, err, ErrJournalCorrupt)
}

func TestJournalPublishAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.log"))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Publish(context.Background(), Event{}), os.ErrClosed)
}

func TestOpenFileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	p, err := Open("file://"+path, "")
	require.NoError(t, err)
	defer p.Close()

	j, ok := p.(*Journal)
	require.True(t, ok)
	assert.Equal(t, path, j.Path())
}
