package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "nudge/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSink) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func startService(t *testing.T, cfg Config, sink Sink) *Service {
	t.Helper()
	cfg.Enabled = true
	s := NewService(cfg, sink, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestFormat(t *testing.T) {
	a := Alert{Severity: Critical, Site: "eu-1", Component: "delivery", MessageID: "m1", Text: "transport failed", Err: errors.New("503")}
	got := a.Format()
	assert.True(t, strings.HasPrefix(got, "🚨 [eu-1] delivery: transport failed"))
	assert.Contains(t, got, "message: m1")
	assert.Contains(t, got, "error: 503")
}

func TestServiceRetriesAndDelivers(t *testing.T) {
	sink := &fakeSink{fails: 2}
	s := startService(t, Config{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sink)

	require.NoError(t, s.Report(context.Background(), Alert{Text: "boom"}))
	require.Eventually(t, func() bool { return len(sink.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "boom", sink.sent()[0])
	require.Len(t, s.History(), 1)
	assert.Empty(t, s.History()[0].Error)
}

func TestServiceDedup(t *testing.T) {
	sink := &fakeSink{}
	s := startService(t, Config{RatePerSec: 100, DedupWindow: time.Minute}, sink)

	for range 3 {
		require.NoError(t, s.Forward(context.Background(), "same line"))
	}
	require.NoError(t, s.Forward(context.Background(), "other line"))
	require.Eventually(t, func() bool { return len(sink.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.sent(), 2)
}

func TestServiceDisabledAndStopped(t *testing.T) {
	s := NewService(Config{}, &fakeSink{}, logx.Nop())
	assert.ErrorIs(t, s.Report(context.Background(), Alert{Text: "x"}), ErrDisabled)

	s = NewService(Config{Enabled: true}, &fakeSink{}, logx.Nop())
	assert.ErrorIs(t, s.Report(context.Background(), Alert{Text: "x"}), ErrStopped)
}

type errReporter struct{ err error }

func (e errReporter) Report(context.Context, Alert) error { return e.err }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{NewLog(logx.Nop()), nil, errReporter{err: boom}}
	assert.ErrorIs(t, m.Report(context.Background(), Alert{Text: "x"}), boom)
	assert.NoError(t, Multi{NewLog(logx.Nop())}.Report(context.Background(), Alert{Severity: Warning, Text: "x"}))
}
