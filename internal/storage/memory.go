package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nudge/internal/content"
	"nudge/internal/dispatch"
	"nudge/internal/message"
	"nudge/internal/trigger"
	"nudge/internal/userqueue"
)

// memStore keeps everything in maps. Values are copied on the way in and
// out so callers never share memory with the store.
type memStore struct {
	mu sync.Mutex

	messages  map[string]message.Message
	jobs      map[string]dispatch.Job
	days      map[userqueue.Key]userqueue.Day
	users     map[string]content.User
	triggers  map[string]trigger.Trigger
	reminders map[string]content.Reminder
	audit     []AuditEntry

	// dayLocks serializes UpdateDay per key; fn runs without mu held.
	dayLocksMu sync.Mutex
	dayLocks   map[userqueue.Key]*sync.Mutex
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		messages:  map[string]message.Message{},
		jobs:      map[string]dispatch.Job{},
		days:      map[userqueue.Key]userqueue.Day{},
		users:     map[string]content.User{},
		triggers:  map[string]trigger.Trigger{},
		reminders: map[string]content.Reminder{},
		dayLocks:  map[userqueue.Key]*sync.Mutex{},
	}
}

func (s *memStore) Close() error { return nil }

// messages

func (s *memStore) CreateMessage(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = copyMessage(*m)
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	cp := copyMessage(m)
	return &cp, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[id]
	delete(s.messages, id)
	return ok, nil
}

func (s *memStore) SetJobID(_ context.Context, id, jobID string) error {
	return s.updateMessage(id, func(m *message.Message) { m.JobID = jobID })
}

func (s *memStore) Reschedule(_ context.Context, id string, deliverOn time.Time) error {
	return s.updateMessage(id, func(m *message.Message) {
		m.DeliverOn = deliverOn.UTC()
		m.JobID = ""
	})
}

func (s *memStore) RecordDelivery(_ context.Context, id string, d message.Delivery) error {
	return s.updateMessage(id, func(m *message.Message) { m.Delivery = d })
}

func (s *memStore) updateMessage(id string, fn func(m *message.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	fn(&m)
	s.messages[id] = copyMessage(m)
	return nil
}

func (s *memStore) FindPending(_ context.Context, userID string, src message.Source, deliverOn time.Time) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.UserID == userID && m.Source == src && m.DeliverOn.Equal(deliverOn) && !m.Delivered() {
			cp := copyMessage(m)
			return &cp, nil
		}
	}
	return nil, message.ErrNotFound
}

func (s *memStore) PruneMessages(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Delivered() && m.Delivery.SentAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func copyMessage(m message.Message) message.Message {
	if m.Delivery.Success != nil {
		ok := *m.Delivery.Success
		m.Delivery.Success = &ok
	}
	return m
}

// jobs

func (s *memStore) PutJob(_ context.Context, j dispatch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *memStore) ListJobs(context.Context) ([]dispatch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *memStore) DeleteAllJobs(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	clear(s.jobs)
	return n, nil
}

// queue days

func (s *memStore) dayLock(key userqueue.Key) *sync.Mutex {
	s.dayLocksMu.Lock()
	defer s.dayLocksMu.Unlock()
	l, ok := s.dayLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.dayLocks[key] = l
	}
	return l
}

func (s *memStore) UpdateDay(_ context.Context, key userqueue.Key, fn func(d *userqueue.Day) error) error {
	l := s.dayLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	d, ok := s.days[key]
	s.mu.Unlock()
	if ok {
		d = copyDay(d)
	} else {
		d = userqueue.Day{Key: key}
	}
	if err := fn(&d); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Empty() {
		delete(s.days, key)
		return nil
	}
	s.days[key] = copyDay(d)
	return nil
}

func (s *memStore) GetDay(_ context.Context, key userqueue.Key) (*userqueue.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.days[key]
	if !ok {
		return nil, nil
	}
	cp := copyDay(d)
	return &cp, nil
}

func (s *memStore) ListDays(_ context.Context, userID string) ([]userqueue.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []userqueue.Day
	for k, d := range s.days {
		if userID == "" || k.UserID == userID {
			out = append(out, copyDay(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.UserID != out[j].Key.UserID {
			return out[i].Key.UserID < out[j].Key.UserID
		}
		return out[i].Key.Date < out[j].Key.Date
	})
	return out, nil
}

func (s *memStore) DeleteDay(_ context.Context, key userqueue.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.days[key]
	delete(s.days, key)
	return ok, nil
}

func (s *memStore) DeleteAllDays(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.days)
	clear(s.days)
	return n, nil
}

func (s *memStore) PruneDays(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, d := range s.days {
		if !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(now) {
			delete(s.days, k)
			n++
		}
	}
	return n, nil
}

func copyDay(d userqueue.Day) userqueue.Day {
	for i := range d.Tiers {
		d.Tiers[i] = slices.Clone(d.Tiers[i])
	}
	return d
}

// content

func (s *memStore) PutUser(_ context.Context, u content.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (content.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return content.User{}, content.ErrNotFound
	}
	return u, nil
}

func (s *memStore) ListUsers(context.Context) ([]content.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]content.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ResetDailyLimits(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, u := range s.users {
		if u.DailyLimit != limit {
			u.DailyLimit = limit
			s.users[id] = u
			n++
		}
	}
	return n, nil
}

func (s *memStore) PutTrigger(_ context.Context, t *trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = copyTrigger(*t)
	return nil
}

func (s *memStore) GetTrigger(_ context.Context, id string) (*trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	cp := copyTrigger(t)
	return &cp, nil
}

func copyTrigger(t trigger.Trigger) trigger.Trigger {
	if t.Date != nil {
		d := *t.Date
		t.Date = &d
	}
	if t.Time != nil {
		tod := *t.Time
		t.Time = &tod
	}
	t.RDates = slices.Clone(t.RDates)
	return t
}

func (s *memStore) PutReminder(_ context.Context, r content.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[r.ID] = r
	return nil
}

func (s *memStore) ListReminders(_ context.Context, enabledOnly bool) ([]content.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]content.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SetReminderCompleted(_ context.Context, id string, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return content.ErrNotFound
	}
	r.Completed = done
	s.reminders[id] = r
	return nil
}

func (s *memStore) ReminderCompleted(_ context.Context, userID, triggerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reminders {
		if r.UserID == userID && r.TriggerID == triggerID && r.Completed {
			return true, nil
		}
	}
	return false, nil
}

// audit

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
