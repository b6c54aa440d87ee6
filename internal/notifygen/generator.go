// Package notifygen turns enabled reminders into admitted messages. A run
// looks one lookahead window ahead; anything later is picked up by a later
// run.
package notifygen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nudge/internal/admission"
	"nudge/internal/content"
	"nudge/internal/eventbus"
	"nudge/internal/message"
	"nudge/internal/metrics"
	"nudge/internal/task/engine"
	"nudge/internal/trigger"
	logx "nudge/pkg/logx"
)

const (
	DefaultLookahead   = 24 * time.Hour
	DefaultConcurrency = 4
)

type Config struct {
	Lookahead    time.Duration
	Concurrency  int
	DefaultLimit int
	RetryMax     int
	RetryBase    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Admitter is the admission step. *admission.Controller satisfies it.
type Admitter interface {
	Admit(ctx context.Context, m *message.Message, limit int) (admission.Result, error)
}

// Report summarizes one run.
type Report struct {
	Reminders int           `json:"reminders"`
	Created   int           `json:"created"`
	Admitted  int           `json:"admitted"`
	Declined  int           `json:"declined"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took"`
}

type Generator struct {
	content  content.Store
	messages message.Store
	admit    Admitter
	eval     *trigger.Evaluator
	profiles content.Profiles
	metrics  *metrics.Recorder
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
	// run serializes Run; overlapping runs would race on FindPending.
	run sync.Mutex
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option   { return func(g *Generator) { g.now = now } }
func WithMetrics(m *metrics.Recorder) Option { return func(g *Generator) { g.metrics = m } }
func WithBus(b eventbus.Bus) Option          { return func(g *Generator) { g.bus = b } }

func New(cfg Config, cs content.Store, msgs message.Store, admit Admitter, log logx.Logger, opts ...Option) *Generator {
	profiles := content.Profiles{Store: cs}
	log = log.With(logx.String("comp", "notifygen"))
	g := &Generator{
		content:  cs,
		messages: msgs,
		admit:    admit,
		eval:     trigger.NewEvaluator(profiles, profiles, log),
		profiles: profiles,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Generator) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Generator) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Run evaluates every enabled reminder once. Per-reminder failures are
// counted in the report; only a failure to list reminders is returned.
func (g *Generator) Run(ctx context.Context) (Report, error) {
	g.run.Lock()
	defer g.run.Unlock()

	cfg := g.config()
	start := g.now()
	var rep Report

	var reminders []content.Reminder
	err := g.retry(ctx, cfg, func() error {
		var err error
		reminders, err = g.content.ListReminders(ctx, true)
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("list reminders: %w", err)
	}
	rep.Reminders = len(reminders)

	// One goroutine per user keeps a user's admissions in a stable order.
	byUser := map[string][]content.Reminder{}
	for _, r := range reminders {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	var mu sync.Mutex
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.Concurrency)
	for _, u := range users {
		rs := byUser[u]
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority > rs[j].Priority
			}
			return rs[i].ID < rs[j].ID
		})
		eg.Go(func() error {
			var local Report
			limit := g.profiles.DailyLimit(ectx, u, cfg.DefaultLimit)
			for i := range rs {
				if ectx.Err() != nil {
					return ectx.Err()
				}
				g.process(ectx, cfg, &rs[i], start, limit, &local)
			}
			mu.Lock()
			rep.Created += local.Created
			rep.Admitted += local.Admitted
			rep.Declined += local.Declined
			rep.Skipped += local.Skipped
			rep.Failed += local.Failed
			mu.Unlock()
			return nil
		})
	}
	err = eg.Wait()
	rep.Took = g.now().Sub(start)

	g.metrics.GeneratedAdd("created", rep.Created)
	g.metrics.GeneratedAdd("admitted", rep.Admitted)
	g.metrics.GeneratedAdd("declined", rep.Declined)
	g.metrics.GeneratedAdd("skipped", rep.Skipped)
	g.metrics.GeneratedAdd("failed", rep.Failed)
	eventbus.Publish(g.bus, eventbus.TypeGeneratorRun, rep)

	g.log.Info("generator run finished",
		logx.Int("reminders", rep.Reminders),
		logx.Int("created", rep.Created),
		logx.Int("admitted", rep.Admitted),
		logx.Int("declined", rep.Declined),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	)
	return rep, err
}

func (g *Generator) process(ctx context.Context, cfg Config, r *content.Reminder, now time.Time, limit int, rep *Report) {
	log := g.log.With(logx.String("reminder", r.ID), logx.String("user", r.UserID))

	t, err := g.triggerFor(ctx, cfg, r)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			log.Debug("reminder has no trigger", logx.String("trigger", r.TriggerID))
			rep.Skipped++
			return
		}
		log.Warn("trigger lookup failed", logx.Err(err))
		rep.Failed++
		return
	}

	at, ok := g.eval.Next(ctx, t, r.UserID, now)
	if !ok {
		log.Debug("reminder has no trigger date")
		rep.Skipped++
		return
	}
	if at.Before(now) || at.After(now.Add(cfg.Lookahead)) {
		rep.Skipped++
		return
	}

	src := r.Source()
	_, err = g.messages.FindPending(ctx, r.UserID, src, at)
	switch {
	case err == nil:
		rep.Skipped++
		return
	case !errors.Is(err, message.ErrNotFound):
		log.Warn("pending lookup failed", logx.Err(err))
		rep.Failed++
		return
	}

	m, err := message.New(message.Build{
		UserID:    r.UserID,
		Title:     r.Title,
		Body:      r.Body,
		DeliverOn: at,
		Priority:  r.Priority,
		Source:    src,
	}, now)
	if err != nil {
		log.Warn("reminder cannot become a message", logx.Err(err))
		rep.Failed++
		return
	}
	if err := g.retry(ctx, cfg, func() error { return g.messages.CreateMessage(ctx, m) }); err != nil {
		log.Error("message not stored", logx.Err(err))
		rep.Failed++
		return
	}
	rep.Created++

	// A failed admission writes nothing, so retrying it is safe.
	var res admission.Result
	err = g.retry(ctx, cfg, func() error {
		var err error
		res, err = g.admit.Admit(ctx, m, limit)
		return err
	})
	if err == nil && res.Outcome == admission.Admitted {
		rep.Admitted++
		return
	}
	if err != nil {
		log.Error("admission failed after retries", logx.String("message", m.ID), logx.Err(err))
		rep.Failed++
	} else {
		log.Debug("message not admitted", logx.String("message", m.ID), logx.String("outcome", res.Outcome.String()))
		rep.Declined++
	}
	if _, derr := g.messages.DeleteMessage(context.WithoutCancel(ctx), m.ID); derr != nil {
		log.Warn("declined message not deleted", logx.String("message", m.ID), logx.Err(derr))
	}
}

// triggerFor loads the reminder's trigger. Templates are bound to the user.
func (g *Generator) triggerFor(ctx context.Context, cfg Config, r *content.Reminder) (*trigger.Trigger, error) {
	var t *trigger.Trigger
	err := g.retry(ctx, cfg, func() error {
		var err error
		t, err = g.content.GetTrigger(ctx, r.TriggerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if t.UserID == "" {
		selected := r.SelectedAt
		if selected.IsZero() {
			selected = g.now()
		}
		t = trigger.ForUser(t, r.UserID, selected.In(g.eval.Location(ctx, r.UserID)))
	}
	return t, nil
}

// retry retries transient store errors with exponential backoff. Not-found
// errors are final.
func (g *Generator) retry(ctx context.Context, cfg Config, fn func() error) error {
	opt := engine.TaskOptions{RetryMax: cfg.RetryMax, RetryBase: cfg.RetryBase, RetryMaxDelay: 10 * time.Second}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, content.ErrNotFound) || errors.Is(err, message.ErrNotFound) {
			return err
		}
		if attempt >= cfg.RetryMax {
			return err
		}
		t := time.NewTimer(engine.Backoff(opt, attempt+1, nil))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}
