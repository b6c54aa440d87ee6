package userqueue

import (
	"context"
	"errors"
	"time"

	"nudge/internal/message"
)

// Store persists Day records. UpdateDay must run fn atomically with respect
// to every other UpdateDay on the same key: it loads the day (a fresh Day
// with only Key set when absent), calls fn and saves the result. When fn
// fails nothing is written. A day left empty by fn is deleted.
type Store interface {
	UpdateDay(ctx context.Context, key Key, fn func(d *Day) error) error
	// GetDay returns nil when the key has no state.
	GetDay(ctx context.Context, key Key) (*Day, error)
	ListDays(ctx context.Context, userID string) ([]Day, error)
	DeleteDay(ctx context.Context, key Key) (bool, error)
	DeleteAllDays(ctx context.Context) (int, error)
	// PruneDays deletes days whose ExpiresAt is before now.
	PruneDays(ctx context.Context, now time.Time) (int, error)
}

// Queue applies expiry and count maintenance on top of a Store.
type Queue struct {
	store Store
	now   func() time.Time
	ttl   time.Duration
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{store: store, now: time.Now, ttl: TTL}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Update runs fn against the current state of key and returns the state it
// left behind. Expired state is discarded before fn sees it.
func (q *Queue) Update(ctx context.Context, key Key, fn func(d *Day) error) (Day, error) {
	if key.UserID == "" || key.Date == "" {
		return Day{}, errors.New("userqueue: empty key")
	}
	var out Day
	err := q.store.UpdateDay(ctx, key, func(d *Day) error {
		now := q.now()
		if !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt) {
			*d = Day{Key: key}
		}
		d.Key = key
		d.recount()
		if err := fn(d); err != nil {
			return err
		}
		d.recount()
		d.UpdatedAt = now
		d.ExpiresAt = now.Add(q.ttl)
		out = d.clone()
		return nil
	})
	if err != nil {
		return Day{}, err
	}
	return out, nil
}

// Get returns the state for key, an empty Day when there is none.
func (q *Queue) Get(ctx context.Context, key Key) (Day, error) {
	d, err := q.store.GetDay(ctx, key)
	if err != nil {
		return Day{}, err
	}
	if d == nil || (!d.ExpiresAt.IsZero() && q.now().After(d.ExpiresAt)) {
		return Day{Key: key}, nil
	}
	d.recount()
	return d.clone(), nil
}

// Count is never negative.
func (q *Queue) Count(ctx context.Context, key Key) (int, error) {
	d, err := q.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return max(d.Count, 0), nil
}

func (q *Queue) List(ctx context.Context, key Key, p message.Priority) ([]string, error) {
	d, err := q.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return d.List(p), nil
}

// Remove drops jobID from tier p. Count follows.
func (q *Queue) Remove(ctx context.Context, key Key, p message.Priority, jobID string) (bool, error) {
	var removed bool
	_, err := q.Update(ctx, key, func(d *Day) error {
		removed = d.Remove(p, jobID)
		return nil
	})
	return removed, err
}

// Clear deletes one day of a user's state. An empty date means today (UTC).
func (q *Queue) Clear(ctx context.Context, userID, date string) (bool, error) {
	if date == "" {
		date = DateKey(q.now())
	}
	return q.store.DeleteDay(ctx, Key{UserID: userID, Date: date})
}

func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	return q.store.DeleteAllDays(ctx)
}

func (q *Queue) Prune(ctx context.Context) (int, error) {
	return q.store.PruneDays(ctx, q.now())
}

// Days lists a user's live days.
func (q *Queue) Days(ctx context.Context, userID string) ([]Day, error) {
	days, err := q.store.ListDays(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := days[:0]
	for _, d := range days {
		if !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt) {
			continue
		}
		d.recount()
		out = append(out, d)
	}
	return out, nil
}
