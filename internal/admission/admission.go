// Package admission decides whether a message gets one of its recipient's
// daily delivery slots and, if so, schedules it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nudge/internal/dispatch"
	"nudge/internal/eventbus"
	"nudge/internal/message"
	"nudge/internal/metrics"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

// DefaultGrace is how far in the past deliver_on may be and still be admitted.
const DefaultGrace = time.Hour

// ErrDelivered is returned when snoozing a message that was already sent.
var ErrDelivered = errors.New("message already delivered")

// errFull aborts the queue update so a declined message writes nothing.
var errFull = errors.New("daily limit reached")

// Outcome is how Admit disposed of a message.
type Outcome int

const (
	Admitted Outcome = iota
	// Declined means the day is full for this priority.
	Declined
	// NotDeliverable means the message lacks a user or deliver_on.
	NotDeliverable
	// OutsideWindow means deliver_on is too old, or too far ahead when a
	// forward cap is set.
	OutsideWindow
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Declined:
		return "declined"
	case NotDeliverable:
		return "not_deliverable"
	case OutsideWindow:
		return "outside_window"
	}
	return "unknown"
}

// Result reports an admission; Job is set only when the message was admitted.
type Result struct {
	Outcome Outcome
	Job     *dispatch.Job
	// Evicted is the low priority job displaced to make room, if any.
	Evicted string
}

// Scheduler is the part of the dispatcher admission drives.
type Scheduler interface {
	ScheduleJob(ctx context.Context, j dispatch.Job) error
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Controller admits messages against per-user daily limits and schedules
// their delivery jobs.
type Controller struct {
	queue    *userqueue.Queue
	messages message.Store
	sched    Scheduler
	metrics  *metrics.Recorder
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	wmu      sync.RWMutex
	grace    time.Duration
	maxAhead time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithGrace sets how old deliver_on may be. Non-positive values keep DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithMaxAhead rejects messages due further than d in the future. 0 disables.
func WithMaxAhead(d time.Duration) Option { return func(c *Controller) { c.maxAhead = max(d, 0) } }

func WithMetrics(m *metrics.Recorder) Option { return func(c *Controller) { c.metrics = m } }

func WithBus(b eventbus.Bus) Option { return func(c *Controller) { c.bus = b } }

func New(q *userqueue.Queue, msgs message.Store, sched Scheduler, log logx.Logger, opts ...Option) *Controller {
	c := &Controller{
		queue:    q,
		messages: msgs,
		sched:    sched,
		log:      log.With(logx.String("comp", "admission")),
		now:      time.Now,
		grace:    DefaultGrace,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetWindow changes the admission window of a running controller. Zero
// grace keeps the current one.
func (c *Controller) SetWindow(grace, maxAhead time.Duration) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if grace > 0 {
		c.grace = grace
	}
	c.maxAhead = max(maxAhead, 0)
}

func (c *Controller) window() (time.Duration, time.Duration) {
	c.wmu.RLock()
	defer c.wmu.RUnlock()
	return c.grace, c.maxAhead
}

// Admit applies the daily budget to m and schedules it when there is room.
// A high priority message is always admitted. A medium message on a full
// day displaces the newest low one. Anything else on a full day is declined
// without touching the queue state. Store errors are returned.
func (c *Controller) Admit(ctx context.Context, m *message.Message, limit int) (Result, error) {
	if !m.Deliverable() {
		c.log.Debug("no deliverable message")
		return Result{Outcome: NotDeliverable}, nil
	}
	prio := m.Priority
	if !prio.Valid() {
		prio = message.Low
	}
	log := c.log.With(logx.String("message", m.ID), logx.String("user", m.UserID), logx.String("priority", prio.String()))

	now := c.now()
	grace, ahead := c.window()
	if !m.DeliverOn.After(now.Add(-grace)) || (ahead > 0 && m.DeliverOn.After(now.Add(ahead))) {
		log.Debug("deliver_on outside admission window", logx.Time("deliver_on", m.DeliverOn))
		c.metrics.SchedulingFailedInc(prio.String(), "window")
		return Result{Outcome: OutsideWindow}, nil
	}

	jobID := dispatch.NewJobID()
	key := userqueue.KeyFor(m.UserID, m.DeliverOn)
	var evicted string
	day, err := c.queue.Update(ctx, key, func(d *userqueue.Day) error {
		evicted = ""
		switch {
		case d.Count < limit || prio == message.High:
		case prio == message.Medium && d.Len(message.Low) > 0:
			evicted, _ = d.PopTail(message.Low)
		default:
			return errFull
		}
		d.Append(prio, jobID)
		return nil
	})
	if errors.Is(err, errFull) {
		log.Info("message declined: daily limit reached", logx.Int("limit", limit))
		c.metrics.SchedulingFailedInc(prio.String(), "full")
		eventbus.Publish(c.bus, eventbus.TypeDeclined, m.ID)
		return Result{Outcome: Declined}, nil
	}
	if err != nil {
		c.metrics.SchedulingFailedInc(prio.String(), "store")
		return Result{}, fmt.Errorf("admit %s: queue update: %w", m.ID, err)
	}

	// The evicted job must be gone before the new one goes live, or the day
	// could deliver more than its limit.
	if evicted != "" {
		if _, err := c.sched.Cancel(ctx, evicted); err != nil {
			c.metrics.SchedulingFailedInc(prio.String(), "evict")
			c.rollback(ctx, key, prio, jobID, evicted)
			return Result{}, fmt.Errorf("admit %s: cancel evicted %s: %w", m.ID, evicted, err)
		}
		c.metrics.EvictedInc()
		eventbus.Publish(c.bus, eventbus.TypeEvicted, evicted)
		log.Info("low priority job evicted", logx.String("evicted", evicted))
	}

	job := dispatch.Job{ID: jobID, MessageID: m.ID, FireAt: m.DeliverOn}
	if err := c.sched.ScheduleJob(ctx, job); err != nil {
		c.metrics.SchedulingFailedInc(prio.String(), "schedule")
		// the evicted job is already cancelled; its slot stays free
		c.rollback(ctx, key, prio, jobID, "")
		return Result{}, fmt.Errorf("admit %s: schedule: %w", m.ID, err)
	}

	if err := c.messages.SetJobID(ctx, m.ID, jobID); err != nil {
		// The job is live; a retry by the caller would double-book the day.
		log.Warn("job id not recorded on message", logx.String("job", jobID), logx.Err(err))
	}
	m.JobID = jobID

	c.metrics.ScheduledInc(prio.String())
	eventbus.Publish(c.bus, eventbus.TypeAdmitted, job)
	log.Debug("message scheduled", logx.String("job", jobID), logx.Time("fire_at", job.FireAt), logx.Int("count", day.Count))
	return Result{Outcome: Admitted, Job: &job, Evicted: evicted}, nil
}

// rollback undoes a queue update whose job could not be scheduled. A
// non-empty evicted job, still live in the scheduler, goes back to the tail
// of low.
func (c *Controller) rollback(ctx context.Context, key userqueue.Key, p message.Priority, jobID, evicted string) {
	_, err := c.queue.Update(context.WithoutCancel(ctx), key, func(d *userqueue.Day) error {
		d.Remove(p, jobID)
		if evicted != "" && !d.Contains(evicted) {
			d.Append(message.Low, evicted)
		}
		return nil
	})
	if err != nil {
		c.log.Error("admission rollback failed", logx.String("key", key.String()), logx.String("job", jobID), logx.Err(err))
	}
}

// Withdraw cancels a message's job, frees its queue slot and deletes it.
// Unknown messages are not an error; the result reports whether one existed.
func (c *Controller) Withdraw(ctx context.Context, messageID string) (bool, error) {
	m, err := c.messages.GetMessage(ctx, messageID)
	if errors.Is(err, message.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := c.Release(ctx, m); err != nil {
		return false, err
	}
	if _, err := c.messages.DeleteMessage(ctx, messageID); err != nil {
		return false, fmt.Errorf("withdraw %s: %w", messageID, err)
	}
	c.metrics.WithdrawnInc()
	eventbus.Publish(c.bus, eventbus.TypeWithdrawn, messageID)
	c.log.Info("message withdrawn", logx.String("message", messageID), logx.String("job", m.JobID))
	return true, nil
}

// Snooze moves an undelivered message to at and runs admission again.
func (c *Controller) Snooze(ctx context.Context, messageID string, at time.Time, limit int) (Result, error) {
	m, err := c.messages.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, err
	}
	if m.Delivered() {
		return Result{}, fmt.Errorf("snooze %s: %w", messageID, ErrDelivered)
	}
	if err := c.Release(ctx, m); err != nil {
		return Result{}, err
	}
	if err := c.messages.Reschedule(ctx, messageID, at); err != nil {
		return Result{}, fmt.Errorf("snooze %s: %w", messageID, err)
	}
	m.DeliverOn = at.UTC()
	m.JobID = ""

	res, err := c.Admit(ctx, m, limit)
	if err != nil {
		return res, err
	}
	eventbus.Publish(c.bus, eventbus.TypeSnoozed, messageID)
	c.log.Info("message snoozed", logx.String("message", messageID), logx.Time("deliver_on", m.DeliverOn), logx.String("outcome", res.Outcome.String()))
	return res, nil
}

// Release cancels m's job and removes it from its day. The message itself
// is left alone.
func (c *Controller) Release(ctx context.Context, m *message.Message) error {
	if m.JobID == "" {
		return nil
	}
	if _, err := c.sched.Cancel(ctx, m.JobID); err != nil {
		return err
	}
	if m.UserID == "" || m.DeliverOn.IsZero() {
		return nil
	}
	_, err := c.queue.Update(ctx, userqueue.KeyFor(m.UserID, m.DeliverOn), func(d *userqueue.Day) error {
		d.RemoveJob(m.JobID)
		return nil
	})
	return err
}

// CancelJob cancels a pending job. When the job's message still points at
// it, the queue slot is freed and the message forgets the job.
func (c *Controller) CancelJob(ctx context.Context, j dispatch.Job) (bool, error) {
	m, err := c.messages.GetMessage(ctx, j.MessageID)
	switch {
	case err == nil && m.JobID == j.ID:
		if err := c.Release(ctx, m); err != nil {
			return false, err
		}
		if err := c.messages.SetJobID(ctx, m.ID, ""); err != nil {
			return true, fmt.Errorf("cancel %s: %w", j.ID, err)
		}
		c.log.Info("job cancelled", logx.String("job", j.ID), logx.String("message", m.ID))
		return true, nil
	case err != nil && !errors.Is(err, message.ErrNotFound):
		return false, err
	}
	return c.sched.Cancel(ctx, j.ID)
}
