package notifygen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/admission"
	"nudge/internal/content"
	"nudge/internal/dispatch"
	"nudge/internal/message"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

type jobs struct {
	mu   sync.Mutex
	jobs map[string]dispatch.Job
}

func (j *jobs) ScheduleJob(_ context.Context, job dispatch.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[job.ID] = job
	return nil
}

func (j *jobs) Cancel(_ context.Context, id string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.jobs[id]
	delete(j.jobs, id)
	return ok, nil
}

func (j *jobs) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

// flakyStore fails the first fails CreateMessage calls and the first
// dayFails queue updates.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	fails    int
	dayFails int
}

func (f *flakyStore) UpdateDay(ctx context.Context, key userqueue.Key, fn func(d *userqueue.Day) error) error {
	f.mu.Lock()
	if f.dayFails > 0 {
		f.dayFails--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.UpdateDay(ctx, key, fn)
}

func (f *flakyStore) CreateMessage(ctx context.Context, m *message.Message) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.CreateMessage(ctx, m)
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	gen   *Generator
	store storage.Store
	jobs  *jobs
}

func newFixture(t *testing.T, st storage.Store) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	sched := &jobs{jobs: map[string]dispatch.Job{}}
	q := userqueue.New(st, userqueue.WithClock(clock))
	adm := admission.New(q, st, sched, logx.Nop(), admission.WithClock(clock))
	gen := New(Config{DefaultLimit: 3, RetryMax: 2, RetryBase: time.Millisecond}, st, st, adm, logx.Nop(), WithClock(clock))
	return &fixture{gen: gen, store: st, jobs: sched}
}

func (f *fixture) user(t *testing.T, id string, limit int) {
	t.Helper()
	require.NoError(t, f.store.PutUser(context.Background(), content.User{ID: id, Timezone: "UTC", DailyLimit: limit}))
}

func (f *fixture) trigger(t *testing.T, tr trigger.Trigger) {
	t.Helper()
	require.NoError(t, content.SaveTrigger(context.Background(), f.store, &tr))
}

func (f *fixture) reminder(t *testing.T, r content.Reminder) {
	t.Helper()
	r.Enabled = true
	if r.Title == "" {
		r.Title = "reminder " + r.ID
	}
	require.NoError(t, f.store.PutReminder(context.Background(), r))
}

func at(hour, minute int) *trigger.TimeOfDay { return &trigger.TimeOfDay{Hour: hour, Minute: minute} }

func date(d time.Time) *trigger.Date {
	x := trigger.DateOf(d)
	return &x
}

func TestRunAdmitsAndDedupes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1", Priority: message.Medium})

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reminders)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Admitted)
	assert.Equal(t, 1, f.jobs.count())

	m, err := f.store.FindPending(ctx, "u1", message.Source{Kind: "reminder", ID: "r1"}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, m.JobID)
	assert.Equal(t, "reminder r1", m.Title)

	rep, err = f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, f.jobs.count())
}

func TestRunDeletesDeclined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	f.user(t, "u1", 1)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.trigger(t, trigger.Trigger{ID: "t2", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(11, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1", Priority: message.Medium})
	f.reminder(t, content.Reminder{ID: "r2", UserID: "u1", TriggerID: "t2", Priority: message.Medium})

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 1, rep.Admitted)
	assert.Equal(t, 1, rep.Declined)

	// r1 sorts first, so r2 is the one turned away and removed.
	_, err = f.store.FindPending(ctx, "u1", message.Source{Kind: "reminder", ID: "r2"}, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, message.ErrNotFound)
}

func TestRunSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	f.user(t, "u1", 3)
	// Beyond the 24h lookahead.
	f.trigger(t, trigger.Trigger{ID: "far", UserID: "u1", Kind: trigger.KindTime, Date: date(now.AddDate(0, 0, 2)), Time: at(10, 0)})
	// Already passed.
	f.trigger(t, trigger.Trigger{ID: "past", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(8, 0)})
	// Place triggers never fire on time.
	f.trigger(t, trigger.Trigger{ID: "place", UserID: "u1", Kind: trigger.KindPlace, Location: "office"})
	f.trigger(t, trigger.Trigger{ID: "done", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0), StopOnComplete: true})

	f.reminder(t, content.Reminder{ID: "r-far", UserID: "u1", TriggerID: "far"})
	f.reminder(t, content.Reminder{ID: "r-past", UserID: "u1", TriggerID: "past"})
	f.reminder(t, content.Reminder{ID: "r-place", UserID: "u1", TriggerID: "place"})
	f.reminder(t, content.Reminder{ID: "r-missing", UserID: "u1", TriggerID: "nope"})
	f.reminder(t, content.Reminder{ID: "r-done", UserID: "u1", TriggerID: "done"})
	require.NoError(t, f.store.SetReminderCompleted(ctx, "r-done", true))

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Reminders)
	assert.Equal(t, 5, rep.Skipped)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 0, f.jobs.count())
}

func TestRunBindsTemplateToUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemory())
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "tmpl", Kind: trigger.KindTime, Time: at(18, 30), StartWhenSelected: true})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "tmpl", SelectedAt: now, Priority: message.High})

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Admitted)

	want := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)
	m, err := f.store.FindPending(ctx, "u1", message.Source{Kind: "reminder", ID: "r1"}, want)
	require.NoError(t, err)
	assert.Equal(t, message.High, m.Priority)
}

func TestRunRetriesStoreErrors(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), fails: 2}
	f := newFixture(t, st)
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1"})

	rep, err := f.gen.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 0, rep.Failed)
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	st := &flakyStore{Store: storage.NewMemory(), fails: 10}
	f := newFixture(t, st)
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1"})

	rep, err := f.gen.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 7, st.fails)
}

func TestRunRetriesAdmission(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: storage.NewMemory(), dayFails: 1}
	f := newFixture(t, st)
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1"})

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Admitted)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 1, f.jobs.count())
}

func TestRunDeletesMessageWhenAdmissionKeepsFailing(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: storage.NewMemory(), dayFails: 10}
	f := newFixture(t, st)
	f.user(t, "u1", 3)
	f.trigger(t, trigger.Trigger{ID: "t1", UserID: "u1", Kind: trigger.KindTime, Date: date(now), Time: at(10, 0)})
	f.reminder(t, content.Reminder{ID: "r1", UserID: "u1", TriggerID: "t1"})

	rep, err := f.gen.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 7, st.dayFails, "one attempt plus RetryMax retries")
	assert.Zero(t, f.jobs.count())

	_, err = st.FindPending(ctx, "u1", message.Source{Kind: "reminder", ID: "r1"}, now.Add(time.Hour))
	assert.ErrorIs(t, err, message.ErrNotFound)
}
