package dispatch

import (
	"context"
	"errors"
	"time"

	"nudge/internal/task/engine"
)

var (
	ErrNotStarted = errors.New("dispatcher not started")
	ErrNoJobID    = errors.New("job id required")
)

// Config controls the dispatcher.
type Config struct {
	// Timezone is used for cron housekeeping schedules (IANA name).
	Timezone string
	// PollInterval re-reads the job table so jobs written by other
	// processes get armed here too. 0 disables polling.
	PollInterval time.Duration
	// DeliverTimeout bounds one delivery attempt.
	DeliverTimeout time.Duration
}

// Job is a persisted request to deliver MessageID at FireAt.
type Job struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStore persists pending jobs. It is shared by every dispatching process.
type JobStore interface {
	PutJob(ctx context.Context, j Job) error
	// DeleteJob reports whether the row existed. Firing uses it as the claim.
	DeleteJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteAllJobs(ctx context.Context) (int, error)
}

// Sender delivers a message when its job fires. Errors are logged by the
// task engine and never retried.
type Sender interface {
	Send(ctx context.Context, messageID string) error
}

type SenderFunc func(ctx context.Context, messageID string) error

func (f SenderFunc) Send(ctx context.Context, messageID string) error { return f(ctx, messageID) }

// Engine is the part of the task engine the dispatcher uses.
type Engine interface {
	Enqueue(t engine.Task) error
	Submit(ctx context.Context, t engine.Task) error
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Armed     int            `json:"armed"`
	Fired     uint64         `json:"fired"`
	Schedules []ScheduleInfo `json:"schedules"`
}
