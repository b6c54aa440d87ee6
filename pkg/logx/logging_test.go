package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Info("armed", Int("jobs", 3), Err(errors.New("boom")), Err(nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "armed", rec["message"])
	assert.Equal(t, "dispatch", rec["comp"])
	assert.EqualValues(t, 3, rec["jobs"])
	assert.Equal(t, "boom", rec["err"])
	assert.Contains(t, rec["caller"], "logging_test.go")
}

func TestEnabled(t *testing.T) {
	log := NewWriter(&bytes.Buffer{}, "warn")
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))

	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("no-op")
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "WARNING", " error "} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}

func TestFormatRecord(t *testing.T) {
	got := formatRecord([]byte(`{"level":"error","message":"delivery failed","time":"x","user":"u1","err":"timeout"}`))
	assert.Equal(t, "[ERROR] delivery failed\n- err=timeout\n- user=u1", got)

	assert.Equal(t, "plain", formatRecord([]byte("plain\n")))
}

type captureForwarder struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureForwarder) Forward(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureForwarder) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestForwardMinLevel(t *testing.T) {
	fwd := &captureForwarder{}
	svc, log := New(Config{
		Level:   "debug",
		Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, fwd)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Error("transport down", String("driver", "webhook"))

	require.Eventually(t, func() bool { return len(fwd.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	line := fwd.got()[0]
	assert.Contains(t, line, "[ERROR] transport down")
	assert.Contains(t, line, "- driver=webhook")
	assert.Zero(t, svc.Dropped())
}
