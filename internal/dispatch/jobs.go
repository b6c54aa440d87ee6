package dispatch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"nudge/internal/eventbus"
	"nudge/internal/task/engine"
	logx "nudge/pkg/logx"
)

const deliverTaskName = "deliver"

// NewJobID returns a fresh job id. Callers that must record the id before
// scheduling (admission does) use it with ScheduleJob.
func NewJobID() string { return uuid.NewString() }

// ScheduleAt persists a job that delivers messageID at at.
func (s *Service) ScheduleAt(ctx context.Context, at time.Time, messageID string) (Job, error) {
	j := Job{ID: NewJobID(), MessageID: messageID, FireAt: at}
	if err := s.ScheduleJob(ctx, j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// ScheduleJob persists j and arms its timer when the dispatcher is running.
func (s *Service) ScheduleJob(ctx context.Context, j Job) error {
	if j.ID == "" {
		return ErrNoJobID
	}
	if j.MessageID == "" {
		return fmt.Errorf("job %s: message id required", j.ID)
	}
	j.FireAt = j.FireAt.UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now().UTC()
	}
	if err := s.store.PutJob(ctx, j); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if s.running() {
		s.arm(j)
	}
	s.log.Debug("job scheduled", logx.String("job", j.ID), logx.String("message", j.MessageID), logx.Time("fire_at", j.FireAt))
	return nil
}

// Cancel removes a pending job. Unknown, fired or already cancelled jobs are
// not an error; the result reports whether a pending job was removed.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	s.disarm(jobID)
	s.tmu.Lock()
	if _, ok := s.inflight[jobID]; ok {
		s.inflight[jobID] = true
	}
	s.tmu.Unlock()
	existed, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if existed {
		eventbus.Publish(s.bus, eventbus.TypeJobCancelled, jobID)
		s.log.Debug("job cancelled", logx.String("job", jobID))
	}
	return existed, nil
}

// ClearAll cancels every pending job.
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	s.tmu.Lock()
	for id, a := range s.armed {
		a.timer.Stop()
		delete(s.armed, id)
	}
	for id := range s.inflight {
		s.inflight[id] = true
	}
	s.tmu.Unlock()

	n, err := s.store.DeleteAllJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	eventbus.Publish(s.bus, eventbus.TypeJobsCleared, n)
	s.log.Info("all jobs cleared", logx.Int("count", n))
	return n, nil
}

// ListPending returns every stored job ordered by fire time.
func (s *Service) ListPending(ctx context.Context) ([]Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return jobs, nil
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Sync arms timers for stored jobs that have none here and drops timers for
// jobs that disappeared from the store. It returns the number armed.
func (s *Service) Sync(ctx context.Context) (int, error) {
	if !s.running() {
		return 0, ErrNotStarted
	}
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	live := make(map[string]struct{}, len(jobs))
	armed := 0
	for _, j := range jobs {
		live[j.ID] = struct{}{}
		s.tmu.Lock()
		_, ok := s.armed[j.ID]
		s.tmu.Unlock()
		if !ok {
			s.arm(j)
			armed++
		}
	}
	s.tmu.Lock()
	for id, a := range s.armed {
		if _, ok := live[id]; !ok {
			a.timer.Stop()
			delete(s.armed, id)
		}
	}
	s.tmu.Unlock()
	return armed, nil
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) arm(j Job) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev, ok := s.armed[j.ID]; ok {
		prev.timer.Stop()
	}
	s.ver++
	ver := s.ver
	delay := max(j.FireAt.Sub(s.now()), 0)
	a := &armedJob{job: j, ver: ver}
	a.timer = time.AfterFunc(delay, func() { s.fire(j.ID, ver) })
	s.armed[j.ID] = a
}

func (s *Service) disarm(jobID string) {
	s.tmu.Lock()
	if a, ok := s.armed[jobID]; ok {
		a.timer.Stop()
		delete(s.armed, jobID)
	}
	s.tmu.Unlock()
}

// fire claims the job by deleting its row, so a job shared by several
// processes is delivered once. A lost claim means another process or a
// cancel got there first.
func (s *Service) fire(jobID string, ver uint64) {
	s.tmu.Lock()
	a, ok := s.armed[jobID]
	if !ok || a.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.armed, jobID)
	s.tmu.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	timeout := s.cfg.DeliverTimeout
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	claimed, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		// The row is still there; the next Sync re-arms it.
		s.log.Error("job claim failed", logx.String("job", jobID), logx.Err(err))
		return
	}
	if !claimed {
		s.log.Debug("job already claimed", logx.String("job", jobID))
		return
	}

	s.tmu.Lock()
	s.fired++
	s.inflight[jobID] = false
	s.tmu.Unlock()
	eventbus.Publish(s.bus, eventbus.TypeJobFired, a.job)

	msgID := a.job.MessageID
	err = s.engine.Submit(ctx, engine.Task{
		ID:      jobID,
		Name:    deliverTaskName,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			return engine.NoRetry(s.sender.Send(ctx, msgID))
		},
		Opt: engine.TaskOptions{Overlap: engine.OverlapAllow},
	})
	s.tmu.Lock()
	cancelled := s.inflight[jobID]
	delete(s.inflight, jobID)
	s.tmu.Unlock()
	if err != nil {
		s.reportEnqueueError(deliverTaskName, err)
		if cancelled {
			s.log.Debug("job cancelled before requeue", logx.String("job", jobID))
			return
		}
		// Put the job back so it is not lost; Sync arms it again.
		if perr := s.store.PutJob(context.WithoutCancel(ctx), a.job); perr != nil {
			s.log.Error("job requeue failed", logx.String("job", jobID), logx.String("message", msgID), logx.Err(perr))
		}
	}
}
