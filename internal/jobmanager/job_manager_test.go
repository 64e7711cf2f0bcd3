package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/Kdotropez/loto-news/internal/snapshot"
	"github.com/Kdotropez/loto-news/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// memStore is an in-memory Store that can be told to fail writes
type memStore struct {
	mu       sync.Mutex
	data     *types.SnapshotData
	writes   int
	failNext bool
	loadErr  error
}

func (s *memStore) Load(ctx context.Context) (types.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return types.SnapshotData{}, s.loadErr
	}
	if s.data == nil {
		return types.SnapshotData{Jobs: []*types.Job{}}, nil
	}
	return *s.data, nil
}

func (s *memStore) Write(ctx context.Context, data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.writes++
	s.data = &data
	return nil
}

func (s *memStore) lastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return 0
	}
	return s.data.LastSeq
}

// newTestJob creates a pending test Job
func newTestJob(id string, from, to int) types.Job {
	return types.Job{
		ID:         types.JobID(id),
		TargetSize: 5,
		PatternIDs: []string{"A"},
		BatchFrom:  from,
		BatchTo:    to,
		Status:     types.StatusPending,
	}
}

func newTestQueue(n int) []types.Job {
	jobs := make([]types.Job, n)
	for i := range jobs {
		jobs[i] = newTestJob(fmt.Sprintf("job-%03d", i), i*10, i*10+10)
	}
	return jobs
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, exists := jm.GetJob(jobID)
	if !exists {
		t.Errorf("job %s not found", jobID)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
}

var testStats = types.Stats{
	Hit3:          0.5,
	ExpectedValue: 2.5,
	GridEstimate:  120,
	SelectedSet:   []int{1, 2, 3, 4, 5},
}

// ============================================================================
// Replace / Load / Save
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager(nil)

	if jm.jobs == nil || jm.index == nil {
		t.Fatal("internal structures not initialized")
	}
	if got := jm.Counts(); got.Total != 0 {
		t.Errorf("Total = %d, want 0", got.Total)
	}
	assertNoError(t, jm.Load(context.Background()))
}

func TestReplaceWithReset(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(&memStore{})

	jobs := newTestQueue(3)
	jobs[1].Status = types.StatusDone
	jobs[1].Stats = &testStats
	jobs[2].Status = types.StatusError
	jobs[2].Error = "boom"

	assertNoError(t, jm.Replace(ctx, jobs, true))

	for _, job := range jm.Jobs() {
		if job.Status != types.StatusPending || job.Stats != nil || job.Error != "" {
			t.Errorf("job %s not reset: %+v", job.ID, job)
		}
	}
}

func TestReplaceKeepsStatuses(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(&memStore{})

	jobs := newTestQueue(3)
	jobs[0].Status = types.StatusDone
	jobs[0].Stats = &testStats
	jobs[1].Status = types.StatusRunning

	assertNoError(t, jm.Replace(ctx, jobs, false))

	assertJobStatus(t, jm, "job-000", types.StatusDone)
	assertJobStatus(t, jm, "job-001", types.StatusRunning)
	assertJobStatus(t, jm, "job-002", types.StatusPending)

	job, _ := jm.GetJob("job-000")
	if !reflect.DeepEqual(job.Stats, &testStats) {
		t.Errorf("stats not preserved: %+v", job.Stats)
	}
}

func TestReplaceIdempotent(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(&memStore{})

	jobs := newTestQueue(4)
	jobs[2].Status = types.StatusDone
	jobs[2].Stats = &testStats
	assertNoError(t, jm.Replace(ctx, jobs, false))

	before := jm.Jobs()
	assertNoError(t, jm.Replace(ctx, before, false))
	after := jm.Jobs()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("replace with identical queue changed state:\nbefore=%+v\nafter=%+v", before, after)
	}
}

func TestReplaceRejectsInvalidQueue(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(2), true))

	dup := newTestQueue(2)
	dup[1].ID = dup[0].ID
	assertError(t, jm.Replace(ctx, dup, true), ErrDuplicateJob)

	badRange := newTestQueue(1)
	badRange[0].BatchTo = badRange[0].BatchFrom
	assertError(t, jm.Replace(ctx, badRange, true), ErrInvalidJob)

	badStatus := newTestQueue(1)
	badStatus[0].Status = "queued"
	assertError(t, jm.Replace(ctx, badStatus, false), ErrInvalidJob)

	doneNoStats := newTestQueue(1)
	doneNoStats[0].Status = types.StatusDone
	assertError(t, jm.Replace(ctx, doneNoStats, false), ErrInvalidJob)

	// 舊佇列保持不變
	if got := jm.Counts().Total; got != 2 {
		t.Errorf("Total = %d, want 2 after rejected replace", got)
	}
}

func TestReplaceDoesNotAliasInput(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)

	jobs := newTestQueue(1)
	assertNoError(t, jm.Replace(ctx, jobs, true))
	jobs[0].PatternIDs[0] = "mutated"

	got := jm.Jobs()
	if got[0].PatternIDs[0] != "A" {
		t.Error("store aliases caller slice")
	}
	got[0].PatternIDs[0] = "mutated"
	if again := jm.Jobs(); again[0].PatternIDs[0] != "A" {
		t.Error("Jobs() returned aliased slice")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")

	jm := NewJobManager(snapshot.NewManager(path))
	space := types.SpaceConfig{PatternIDs: []string{"A"}, MaxLength: 1, KMin: 5, KMax: 5, HistorySize: 30, BatchSize: 10}
	assertNoError(t, jm.ReplaceGenerated(ctx, space, newTestQueue(3)))

	claimed, err := jm.ClaimPending(ctx, 2)
	assertNoError(t, err)
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))
	assertNoError(t, jm.MarkError(ctx, claimed[1].ID, "timeout"))

	// 模擬重新啟動
	restarted := NewJobManager(snapshot.NewManager(path))
	assertNoError(t, restarted.Load(ctx))

	if !reflect.DeepEqual(jm.Jobs(), restarted.Jobs()) {
		t.Errorf("queue differs after restart:\nwant=%+v\ngot=%+v", jm.Jobs(), restarted.Jobs())
	}
	if m := restarted.Manifest(); m.Space == nil || m.Space.HistorySize != 30 {
		t.Errorf("space not restored: %+v", m.Space)
	}

	// 再次 Load 為 no-op
	assertNoError(t, restarted.Load(ctx))
	if restarted.Counts() != jm.Counts() {
		t.Errorf("counts differ: %+v vs %+v", restarted.Counts(), jm.Counts())
	}
}

func TestLoadFailureCanRetry(t *testing.T) {
	ctx := context.Background()
	store := &memStore{loadErr: errors.New("io error")}
	jm := NewJobManager(store)

	if err := jm.Load(ctx); err == nil {
		t.Fatal("expected load error")
	}

	store.loadErr = nil
	store.data = &types.SnapshotData{Jobs: []*types.Job{ptr(newTestJob("job-x", 0, 5))}, LastSeq: 9}
	assertNoError(t, jm.Load(ctx))
	assertJobStatus(t, jm, "job-x", types.StatusPending)
}

func TestReplaceBeforeLoadWins(t *testing.T) {
	ctx := context.Background()
	store := &memStore{data: &types.SnapshotData{Jobs: []*types.Job{ptr(newTestJob("old", 0, 5))}}}
	jm := NewJobManager(store)

	assertNoError(t, jm.Replace(ctx, newTestQueue(1), true))
	assertNoError(t, jm.Load(ctx))

	if _, ok := jm.GetJob("old"); ok {
		t.Error("Load overwrote a queue that was replaced first")
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

func TestClaimPendingInQueueOrder(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(5), true))

	first, err := jm.ClaimPending(ctx, 2)
	assertNoError(t, err)
	second, err := jm.ClaimPending(ctx, 2)
	assertNoError(t, err)

	ids := []types.JobID{first[0].ID, first[1].ID, second[0].ID, second[1].ID}
	want := []types.JobID{"job-000", "job-001", "job-002", "job-003"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("claim order = %v, want %v", ids, want)
	}
	for _, j := range first {
		if j.Status != types.StatusRunning {
			t.Errorf("claimed job %s has status %s", j.ID, j.Status)
		}
	}

	rest, err := jm.ClaimPending(ctx, 10)
	assertNoError(t, err)
	if len(rest) != 1 {
		t.Fatalf("got %d jobs, want 1", len(rest))
	}
	none, err := jm.ClaimPending(ctx, 10)
	assertNoError(t, err)
	if len(none) != 0 {
		t.Errorf("got %d jobs from exhausted queue", len(none))
	}
}

func TestClaimPendingNeverTwice(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(100), true))

	var (
		mu   sync.Mutex
		seen = make(map[types.JobID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := jm.ClaimPending(ctx, 3)
				if err != nil {
					t.Error(err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 100 {
		t.Errorf("claimed %d distinct jobs, want 100", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestMarkDoneRequiresRunning(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(2), true))

	assertError(t, jm.MarkDone(ctx, "job-000", testStats), ErrNotRunning)
	assertError(t, jm.MarkDone(ctx, "missing", testStats), ErrJobNotFound)

	claimed, _ := jm.ClaimPending(ctx, 1)
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))
	assertJobStatus(t, jm, claimed[0].ID, types.StatusDone)

	// 第二次回報視為過期結果
	assertError(t, jm.MarkError(ctx, claimed[0].ID, "late"), ErrNotRunning)
	assertJobStatus(t, jm, claimed[0].ID, types.StatusDone)
}

func TestMarkErrorKeepsJob(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(1), true))

	claimed, _ := jm.ClaimPending(ctx, 1)
	assertNoError(t, jm.MarkError(ctx, claimed[0].ID, "connection refused"))

	job, ok := jm.GetJob(claimed[0].ID)
	if !ok || job.Status != types.StatusError || job.Error != "connection refused" || job.Stats != nil {
		t.Errorf("unexpected job after MarkError: %+v", job)
	}

	// error 任務不會被重新選取
	again, _ := jm.ClaimPending(ctx, 1)
	if len(again) != 0 {
		t.Error("error job was claimed again")
	}
}

func TestRequeueRunningAndReset(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(3), true))

	claimed, _ := jm.ClaimPending(ctx, 3)
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))

	n, err := jm.RequeueRunning(ctx)
	assertNoError(t, err)
	if n != 2 {
		t.Errorf("requeued %d, want 2", n)
	}
	assertJobStatus(t, jm, "job-000", types.StatusDone)
	assertJobStatus(t, jm, "job-001", types.StatusPending)

	next, _ := jm.ClaimPending(ctx, 1)
	if len(next) != 1 || next[0].ID != "job-001" {
		t.Errorf("claim after requeue = %+v", next)
	}

	assertNoError(t, jm.ResetAll(ctx))
	c := jm.Counts()
	if c.Pending != 3 || c.Done != 0 || c.Running != 0 {
		t.Errorf("counts after reset = %+v", c)
	}
}

func TestCountsAndManifest(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(nil)
	assertNoError(t, jm.Replace(ctx, newTestQueue(4), true))

	claimed, _ := jm.ClaimPending(ctx, 3)
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))
	assertNoError(t, jm.MarkError(ctx, claimed[1].ID, "x"))

	want := types.Counts{Total: 4, Pending: 1, Running: 1, Done: 1, Error: 1}
	if got := jm.Counts(); got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
	m := jm.Manifest()
	if m.Counts != want || m.ComputedAt == 0 || m.Space != nil {
		t.Errorf("Manifest() = %+v", m)
	}
}

// ============================================================================
// 持久化
// ============================================================================

func TestPersistAfterEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	jm := NewJobManager(store)

	assertNoError(t, jm.Replace(ctx, newTestQueue(2), true))
	claimed, _ := jm.ClaimPending(ctx, 1)
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))

	if store.writes != 3 {
		t.Errorf("writes = %d, want 3", store.writes)
	}
	if store.lastSeq() != 3 {
		t.Errorf("last persisted seq = %d, want 3", store.lastSeq())
	}

	// 沒有變化的操作不寫入
	_, _ = jm.RequeueRunning(ctx)
	if store.writes != 3 {
		t.Errorf("no-op mutation persisted, writes = %d", store.writes)
	}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	jm := NewJobManager(store)
	assertNoError(t, jm.Replace(ctx, newTestQueue(2), true))

	store.failNext = true
	claimed, err := jm.ClaimPending(ctx, 1)
	assertError(t, err, ErrPersistFailed)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs despite persist failure, want 1", len(claimed))
	}
	assertJobStatus(t, jm, claimed[0].ID, types.StatusRunning)

	// 下一次成功寫入會帶上之前的變更
	assertNoError(t, jm.MarkDone(ctx, claimed[0].ID, testStats))
	if store.data.Jobs[0].Status != types.StatusDone {
		t.Errorf("persisted status = %s", store.data.Jobs[0].Status)
	}
}

func TestSaveForcesWrite(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	jm := NewJobManager(store)
	assertNoError(t, jm.Replace(ctx, newTestQueue(1), true))

	assertNoError(t, jm.Save(ctx))
	if store.writes != 2 {
		t.Errorf("writes = %d, want 2", store.writes)
	}
}

func TestConcurrentReadersSeeWholeQueue(t *testing.T) {
	ctx := context.Background()
	jm := NewJobManager(&memStore{})
	assertNoError(t, jm.Replace(ctx, newTestQueue(10), true))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			n := 10
			if i%2 == 1 {
				n = 20
			}
			if err := jm.Replace(ctx, newTestQueue(n), true); err != nil {
				t.Error(err)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			if n := len(jm.Jobs()); n != 10 && n != 20 {
				t.Fatalf("torn queue of length %d", n)
			}
		}
	}
}

func ptr(j types.Job) *types.Job { return &j }
