package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/task/engine"
	logx "nudge/pkg/logx"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]Job{}} }

func (m *memJobs) PutJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memJobs) DeleteJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	delete(m.jobs, id)
	return ok, nil
}

func (m *memJobs) ListJobs(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memJobs) DeleteAllJobs(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.jobs)
	m.jobs = map[string]Job{}
	return n, nil
}

func (m *memJobs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) Send(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, id)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestService(t *testing.T, store JobStore, sender Sender) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Timezone: "UTC"}, store, eng, sender, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func TestJobFiresOnce(t *testing.T) {
	store := newMemJobs()
	rec := &recorder{}
	s := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	j, err := s.ScheduleAt(context.Background(), time.Now().Add(20*time.Millisecond), "m1")
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1"}, rec.ids())
	assert.Equal(t, 0, store.len())
	assert.EqualValues(t, 1, s.Snapshot().Fired)
}

func TestPastDueJobsFireOnStart(t *testing.T) {
	store := newMemJobs()
	rec := &recorder{}
	require.NoError(t, store.PutJob(context.Background(), Job{ID: "j1", MessageID: "m1", FireAt: time.Now().Add(-time.Hour)}))
	s := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newMemJobs()
	rec := &recorder{}
	s := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	j, err := s.ScheduleAt(context.Background(), time.Now().Add(time.Hour), "m1")
	require.NoError(t, err)

	ok, err := s.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Cancel(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Snapshot().Armed)
}

func TestClaimLostSkipsDelivery(t *testing.T) {
	store := newMemJobs()
	rec := &recorder{}
	s := newTestService(t, store, rec)
	require.NoError(t, s.Start(context.Background()))

	j, err := s.ScheduleAt(context.Background(), time.Now().Add(30*time.Millisecond), "m1")
	require.NoError(t, err)
	// Another process claimed the row first.
	_, _ = store.DeleteJob(context.Background(), j.ID)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ids())
}

// stallEngine holds Submit until released, then rejects the task.
type stallEngine struct {
	entered chan struct{}
	release chan struct{}
}

func newStallEngine() *stallEngine {
	return &stallEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (e *stallEngine) Enqueue(engine.Task) error { return nil }

func (e *stallEngine) Submit(context.Context, engine.Task) error {
	e.entered <- struct{}{}
	<-e.release
	return errors.New("queue full")
}

func startStalled(t *testing.T, store JobStore) (*Service, *stallEngine) {
	t.Helper()
	eng := newStallEngine()
	s := New(Config{Timezone: "UTC"}, store, eng, &recorder{}, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, eng
}

func TestRejectedJobIsRequeued(t *testing.T) {
	store := newMemJobs()
	s, eng := startStalled(t, store)

	j, err := s.ScheduleAt(context.Background(), time.Now().Add(10*time.Millisecond), "m1")
	require.NoError(t, err)
	<-eng.entered
	assert.Equal(t, 0, store.len())
	close(eng.release)

	require.Eventually(t, func() bool { return store.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	jobs, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, j.ID, jobs[0].ID)
}

func TestCancelDuringSubmitIsNotRequeued(t *testing.T) {
	store := newMemJobs()
	s, eng := startStalled(t, store)

	j, err := s.ScheduleAt(context.Background(), time.Now().Add(10*time.Millisecond), "m1")
	require.NoError(t, err)
	<-eng.entered
	// the row is already claimed, so the store has nothing to delete
	ok, err := s.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	close(eng.release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.len())
}

func TestClearAllDuringSubmitIsNotRequeued(t *testing.T) {
	store := newMemJobs()
	s, eng := startStalled(t, store)

	_, err := s.ScheduleAt(context.Background(), time.Now().Add(10*time.Millisecond), "m1")
	require.NoError(t, err)
	<-eng.entered
	_, err = s.ClearAll(context.Background())
	require.NoError(t, err)
	close(eng.release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.len())
}

func TestSyncArmsForeignJobs(t *testing.T) {
	store := newMemJobs()
	s := newTestService(t, store, &recorder{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, store.PutJob(context.Background(), Job{ID: "a", MessageID: "m", FireAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.PutJob(context.Background(), Job{ID: "b", MessageID: "m", FireAt: time.Now().Add(time.Hour)}))
	n, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _ = store.DeleteJob(context.Background(), "a")
	n, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, s.Snapshot().Armed)
}

func TestClearAll(t *testing.T) {
	store := newMemJobs()
	s := newTestService(t, store, &recorder{})
	require.NoError(t, s.Start(context.Background()))
	for range 3 {
		_, err := s.ScheduleAt(context.Background(), time.Now().Add(time.Hour), "m")
		require.NoError(t, err)
	}
	n, err := s.ClearAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, s.Snapshot().Armed)

	jobs, err := s.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSyncBeforeStart(t *testing.T) {
	s := newTestService(t, newMemJobs(), &recorder{})
	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestAddScheduleRunsOnEngine(t *testing.T) {
	s := newTestService(t, newMemJobs(), &recorder{})
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("prune", "every:50ms", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "@every 50ms", snap.Schedules[0].Spec)

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Remove("prune"))
	assert.False(t, s.Remove("prune"))
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	s := newTestService(t, newMemJobs(), &recorder{})
	assert.Error(t, s.AddSchedule("x", "cron:not a cron", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.AddSchedule("x", "", 0, func(context.Context) error { return nil }))
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		bad   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron:0 15 3 * * *", kind: SpecCron, cron: "0 15 3 * * *"},
		{in: "every:15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "interval:02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "00:00", bad: true},
		{in: "every:-1m", bad: true},
		{in: "soon", bad: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.bad {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, ps.Kind, tc.in)
		assert.Equal(t, tc.cron, ps.Cron, tc.in)
		assert.Equal(t, tc.every, ps.Every, tc.in)
	}
}
