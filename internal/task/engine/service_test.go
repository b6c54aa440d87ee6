package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"nudge/internal/eventbus"
	logx "nudge/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestNoRetryRunsOnce(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond})

	var runs atomic.Int32
	err := s.Submit(context.Background(), Task{Name: "deliver", Run: func(ctx context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("message gone"))
	}})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if got := s.Snapshot().History[0].Error; got != "message gone" {
		t.Fatalf("history error = %q", got)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})

	var runs atomic.Int32
	_ = s.Submit(context.Background(), Task{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("try again")
		}
		return nil
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 {
		t.Fatalf("history = %+v", h)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error { panic("boom") }, Opt: TaskOptions{RetryMax: -1}})

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeTaskFailed {
				return
			}
		case <-timeout:
			t.Fatalf("no task.failed event")
		}
	}
}

func TestOverlapSkip(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	task := Task{Name: "generate", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue() = %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue() = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue after completion = %v", err)
	}
}

func TestEnqueueWhenDisabled(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue() = %v, want ErrDisabled", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond, RetryJitter: 0}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := Backoff(opt, i+1, nil); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
