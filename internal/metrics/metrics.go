// Package metrics exposes nudge counters to Prometheus. Each Recorder owns
// its registry so tests and several instances never share global state.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nudge/internal/eventbus"
	"nudge/internal/task/engine"
)

const namespace = "nudge"

// Recorder is nil-safe: a nil *Recorder records nothing.
type Recorder struct {
	reg *prometheus.Registry

	Scheduled        *prometheus.CounterVec
	SchedulingFailed *prometheus.CounterVec
	Evicted          prometheus.Counter
	Withdrawn        prometheus.Counter
	Sent             *prometheus.CounterVec
	DeliveryFailed   *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	Generated        *prometheus.CounterVec
	Tasks            *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
}

// New builds a Recorder. A non-empty category is attached to every nudge
// series as a constant label so several deployments can share a Prometheus.
func New(category ...string) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var r prometheus.Registerer = reg
	if len(category) > 0 && category[0] != "" {
		r = prometheus.WrapRegistererWith(prometheus.Labels{"category": category[0]}, reg)
	}
	f := promauto.With(r)
	return &Recorder{
		reg: reg,
		Scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_total",
			Help:      "Messages admitted and scheduled.",
		}, []string{"priority"}),
		SchedulingFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_failed_total",
			Help:      "Messages declined by admission or failed to schedule.",
		}, []string{"priority", "reason"}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_total",
			Help:      "Low priority jobs displaced by a medium priority message.",
		}),
		Withdrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawn_total",
			Help:      "Messages withdrawn before delivery.",
		}),
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_total",
			Help:      "Messages handed to the transport.",
		}, []string{"transport"}),
		DeliveryFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failed_total",
			Help:      "Deliveries that did not reach the transport, by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in one delivery.",
			Buckets:   prometheus.DefBuckets,
		}),
		Generated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_messages_total",
			Help:      "Generator results per reminder.",
		}, []string{"result"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine runs by task name and status.",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task engine run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Recorder) ScheduledInc(priority string) {
	if r != nil {
		r.Scheduled.WithLabelValues(priority).Inc()
	}
}

func (r *Recorder) SchedulingFailedInc(priority, reason string) {
	if r != nil {
		r.SchedulingFailed.WithLabelValues(priority, reason).Inc()
	}
}

func (r *Recorder) EvictedInc() {
	if r != nil {
		r.Evicted.Inc()
	}
}

func (r *Recorder) WithdrawnInc() {
	if r != nil {
		r.Withdrawn.Inc()
	}
}

func (r *Recorder) SentInc(transport string, took time.Duration) {
	if r != nil {
		r.Sent.WithLabelValues(transport).Inc()
		r.DeliveryDuration.Observe(took.Seconds())
	}
}

func (r *Recorder) DeliveryFailedInc(outcome string) {
	if r != nil {
		r.DeliveryFailed.WithLabelValues(outcome).Inc()
	}
}

func (r *Recorder) GeneratedAdd(result string, n int) {
	if r != nil && n > 0 {
		r.Generated.WithLabelValues(result).Add(float64(n))
	}
}

// Watch counts task engine events from bus until ctx is done.
func (r *Recorder) Watch(ctx context.Context, bus eventbus.Bus) {
	if r == nil || bus == nil {
		return
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.observeTask(e)
		}
	}
}

func (r *Recorder) observeTask(e eventbus.Event) {
	var status string
	switch e.Type {
	case eventbus.TypeTaskFinished:
		status = "ok"
	case eventbus.TypeTaskFailed:
		status = "failed"
	case eventbus.TypeTaskDropped:
		status = "dropped"
	default:
		return
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	r.Tasks.WithLabelValues(ev.Name, status).Inc()
	if ev.Duration > 0 {
		r.TaskDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	}
}
