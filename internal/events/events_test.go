package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kdotropez/loto-news/pkg/types"
)

func TestFromJob(t *testing.T) {
	stats := &types.Stats{Hit3: 0.5, SelectedSet: []int{1, 2, 3}}
	job := types.Job{ID: "0-k3-A-0-4", Status: types.StatusDone, Stats: stats, UpdatedAt: 1700000000000}

	e := FromJob(job, true)
	assert.Equal(t, types.JobID("0-k3-A-0-4"), e.JobID)
	assert.Equal(t, "job.done", e.RoutingKey())
	assert.True(t, e.Fallback)
	assert.Equal(t, int64(1700000000000), e.Timestamp)

	// the event owns its stats
	stats.SelectedSet[0] = 99
	assert.Equal(t, 1, e.Stats.SelectedSet[0])

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"0-k3-A-0-4","status":"done","stats":{"hit3":0.5,"hit4":0,"hit5":0,"expectedValue":0,"gridEstimate":0,"selectedSet":[1,2,3]},"fallback":true,"timestamp":1700000000000}`, string(raw))
}

func TestErrorEventRoutingKey(t *testing.T) {
	e := FromJob(types.Job{ID: "x", Status: types.StatusError, Error: "timeout"}, false)
	assert.Equal(t, "job.error", e.RoutingKey())
	assert.Nil(t, e.Stats)
	assert.Equal(t, "timeout", e.Error)
}

func TestMemory(t *testing.T) {
	m := &Memory{}
	require.NoError(t, m.Publish(context.Background(), Event{JobID: "a"}))
	require.NoError(t, m.Publish(context.Background(), Event{JobID: "b"}))

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, types.JobID("b"), got[1].JobID)
}

func TestOpenWithoutURL(t *testing.T) {
	p, err := Open("", "")
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

func TestDialAMQPBadScheme(t *testing.T) {
	_, err := Open("http://localhost:5672", "")
	assert.Error(t, err)
}
