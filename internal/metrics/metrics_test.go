package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/eventbus"
	"nudge/internal/task/engine"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ScheduledInc("low")
	r.SchedulingFailedInc("low", "full")
	r.SentInc("log", time.Millisecond)
	assert.Nil(t, r.Registry())
}

func TestCounters(t *testing.T) {
	r := New()
	r.ScheduledInc("high")
	r.ScheduledInc("high")
	r.SchedulingFailedInc("low", "full")
	r.EvictedInc()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Scheduled.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SchedulingFailed.WithLabelValues("low", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Evicted))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "nudge_scheduled_total"))
}

func TestWatchCountsTaskEvents(t *testing.T) {
	r := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Watch(ctx, bus)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.TypeTaskFailed, engine.TaskEvent{Name: "deliver", Duration: time.Millisecond})
		return testutil.ToFloat64(r.Tasks.WithLabelValues("deliver", "failed")) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCategoryLabel(t *testing.T) {
	r := New("reminder")
	r.WithdrawnInc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `nudge_withdrawn_total{category="reminder"} 1`)
}
