// Package dispatch fires persisted delivery jobs at their due time and runs
// periodic housekeeping. Timers only trigger; deliveries and housekeeping
// run on the task engine.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nudge/internal/eventbus"
	logx "nudge/pkg/logx"
)

const pollScheduleName = "dispatch.poll"

type Service struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	store  JobStore
	engine Engine
	sender Sender
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// armed holds one runtime timer per pending job id. ver guards against
	// a stale timer callback firing after the job was re-armed or cancelled.
	tmu   sync.Mutex
	armed map[string]*armedJob
	ver   uint64
	fired uint64
	// inflight holds claimed jobs until the engine accepts them; the value
	// turns true when the job is cancelled in the meantime.
	inflight map[string]bool
}

type armedJob struct {
	job   Job
	timer *time.Timer
	ver   uint64
}

func New(cfg Config, store JobStore, eng Engine, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		store:  store,
		engine: eng,
		sender: sender,
		now:    time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		armed:       map[string]*armedJob{},
		inflight:    map[string]bool{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Start arms timers for every stored job, starts cron housekeeping and, when
// configured, the job poll. Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if s.cfg.PollInterval > 0 {
		s.upsertDefLocked(s.pollDef(s.cfg.PollInterval))
	}
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	loc := s.loc
	s.mu.Unlock()

	n, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	s.log.Info("dispatcher started", logx.String("tz", loc.String()), logx.Int("jobs", n))
	return nil
}

// Stop halts cron and every runtime timer. Stored jobs stay and are armed
// again by the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	s.tmu.Lock()
	for id, a := range s.armed {
		a.timer.Stop()
		delete(s.armed, id)
	}
	s.tmu.Unlock()
	s.log.Info("dispatcher stopped")
}

// Apply updates timezone and poll interval on a running dispatcher.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if cfg.PollInterval != prev.PollInterval {
		s.removeScheduleLocked(pollScheduleName)
		if cfg.PollInterval > 0 {
			d := s.pollDef(cfg.PollInterval)
			s.defs = append(s.defs, d)
			_ = s.addCronLocked(&s.defs[len(s.defs)-1])
		}
	}
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) pollDef(every time.Duration) scheduleDef {
	return scheduleDef{
		name:    pollScheduleName,
		spec:    "@every " + every.String(),
		timeout: every,
		job: func(ctx context.Context) error {
			_, err := s.Sync(ctx)
			return err
		},
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone, Schedules: s.schedulesLocked()}
	s.mu.Unlock()

	s.tmu.Lock()
	snap.Armed = len(s.armed)
	snap.Fired = s.fired
	s.tmu.Unlock()
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("cron restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}
