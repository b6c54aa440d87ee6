package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/admission"
	"nudge/internal/content"
	"nudge/internal/dispatch"
	"nudge/internal/message"
	"nudge/internal/metrics"
	"nudge/internal/observability/pprof"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

const token = "s3cret"

// storeDispatch is a dispatcher that only persists jobs.
type storeDispatch struct{ st storage.Store }

func (d storeDispatch) ScheduleJob(ctx context.Context, j dispatch.Job) error { return d.st.PutJob(ctx, j) }
func (d storeDispatch) Cancel(ctx context.Context, id string) (bool, error)   { return d.st.DeleteJob(ctx, id) }
func (d storeDispatch) ListPending(ctx context.Context) ([]dispatch.Job, error) {
	return d.st.ListJobs(ctx)
}
func (d storeDispatch) Snapshot() dispatch.Snapshot { return dispatch.Snapshot{Running: true} }

func (d storeDispatch) ClearAll(ctx context.Context) (int, error) {
	jobs, err := d.st.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if _, err := d.st.DeleteJob(ctx, j.ID); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *httptest.Server
	store storage.Store
	queue *userqueue.Queue
	adm   *admission.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	st := storage.NewMemory()
	q := userqueue.New(st, userqueue.WithClock(clock))
	d := storeDispatch{st: st}
	adm := admission.New(q, st, d, logx.Nop(), admission.WithClock(clock))
	s := New(Config{Token: token}, Deps{
		Store:        st,
		Queue:        q,
		Dispatch:     d,
		Admission:    adm,
		Metrics:      metrics.New(),
		DefaultLimit: 3,
		Status:       map[string]func() any{"supervisor": func() any { return "ok" }},
		Now:          clock,
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, queue: q, adm: adm}
}

func (f *fixture) admit(t *testing.T, user string, at time.Time) *message.Message {
	t.Helper()
	m, err := message.New(message.Build{UserID: user, Title: "stretch", DeliverOn: at, Priority: message.Medium}, now)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateMessage(context.Background(), m))
	res, err := f.adm.Admit(context.Background(), m, 3)
	require.NoError(t, err)
	require.Equal(t, admission.Admitted, res.Outcome)
	m.JobID = res.Job.ID
	return m
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Actor", "tester")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	var health map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "ok", health["supervisor"])
	assert.Contains(t, health, "dispatch")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAndCancelJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.admit(t, "u1", now.Add(time.Hour))

	var jobs []PendingJob
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs", nil, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, m.JobID, jobs[0].ID)
	assert.Equal(t, "u1", jobs[0].UserID)
	assert.Equal(t, "medium", jobs[0].Priority)

	var res map[string]bool
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/jobs/"+m.JobID, nil, &res))
	assert.True(t, res["cancelled"])

	left, err := f.store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	d, err := f.queue.Get(ctx, userqueue.KeyFor("u1", m.DeliverOn))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Count)
	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.JobID)

	// Second cancel is a no-op.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/jobs/"+m.JobID, nil, &res))
	assert.False(t, res["cancelled"])

	var audit []storage.AuditEntry
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/audit", nil, &audit))
	require.Len(t, audit, 2)
	assert.Equal(t, "job.cancel", audit[0].Action)
	assert.Equal(t, "tester", audit[0].Actor)
	assert.True(t, audit[0].OK)
}

func TestClearJobs(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "u1", now.Add(time.Hour))
	f.admit(t, "u2", now.Add(2*time.Hour))

	var res map[string]int
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/jobs", nil, &res))
	assert.Equal(t, 2, res["cleared"])
}

func TestQueueShowAndClear(t *testing.T) {
	f := newFixture(t)
	m := f.admit(t, "u1", now.Add(time.Hour))

	var views []userqueue.View
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/queues/u1", nil, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "2025-03-10", views[0].Date)
	assert.Equal(t, []string{m.JobID}, views[0].Medium)

	var res map[string]bool
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/queues/u1", nil, &res))
	assert.True(t, res["cleared"])

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/queues/u1?date=2025-03-10", nil, &views))
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].Count)
}

func TestWithdrawAndSnooze(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.admit(t, "u1", now.Add(time.Hour))

	var snooze SnoozeResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/messages/"+m.ID+"/snooze", map[string]string{"delay": "26h"}, &snooze))
	assert.Equal(t, "admitted", snooze.Outcome)
	assert.Equal(t, now.Add(26*time.Hour), snooze.DeliverOn)
	require.NotNil(t, snooze.Job)

	old, err := f.queue.Get(ctx, userqueue.KeyFor("u1", now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, old.Count)
	moved, err := f.queue.Get(ctx, userqueue.KeyFor("u1", now.Add(26*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []string{snooze.Job.ID}, moved.List(message.Medium))

	var bad map[string]any
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/messages/"+m.ID+"/snooze", map[string]string{}, &bad))

	var res map[string]bool
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/messages/"+m.ID, nil, &res))
	assert.True(t, res["withdrawn"])
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/messages/"+m.ID, nil, &res))
	assert.False(t, res["withdrawn"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/messages/"+m.ID, nil, nil))
}

func TestSnoozeDelivered(t *testing.T) {
	f := newFixture(t)
	m := f.admit(t, "u1", now.Add(time.Hour))
	ok := true
	require.NoError(t, f.store.RecordDelivery(context.Background(), m.ID, message.Delivery{Success: &ok, SentAt: now}))

	var body map[string]any
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/messages/"+m.ID+"/snooze", map[string]string{"delay": "1h"}, &body))
}

func TestTriggerPreview(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutUser(context.Background(), content.User{ID: "u1", Timezone: "UTC", DailyLimit: 3}))
	tr := &trigger.Trigger{
		ID:   "daily",
		Kind: trigger.KindTime,
		Date: &trigger.Date{Year: 2025, Month: time.January, Day: 1},
		Time: &trigger.TimeOfDay{Hour: 8, Minute: 0},
		Rule: "RRULE:FREQ=DAILY",
	}
	require.NoError(t, content.SaveTrigger(context.Background(), f.store, tr))

	var p Preview
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/triggers/daily/preview?user=u1&days=3", nil, &p))
	assert.Equal(t, "UTC", p.Timezone)
	require.NotNil(t, p.Next)
	assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC), p.Next.UTC())
	require.NotNil(t, p.Previous)
	assert.Equal(t, time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC), p.Previous.UTC())
	assert.Len(t, p.Occurrences, 3)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/triggers/nope/preview", nil, nil))
}

func TestGenerateDisabled(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/generate", nil, nil))
}

func TestPprofMountedBehindToken(t *testing.T) {
	prof := pprof.New(pprof.Config{Enabled: true}, logx.Nop())
	t.Cleanup(func() { prof.Apply(pprof.Config{}) })
	s := New(Config{Token: token}, Deps{
		Store:    storage.NewMemory(),
		Dispatch: storeDispatch{st: storage.NewMemory()},
		Pprof:    prof.Handler(pprof.DefaultPrefix),
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/debug/pprof/goroutine?debug=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
