// Package delivery hands due messages to the transport. It never returns a
// delivery failure to its caller: every outcome is logged, counted and,
// when it needs attention, alerted.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudge/internal/alert"
	"nudge/internal/eventbus"
	"nudge/internal/message"
	"nudge/internal/metrics"
	"nudge/internal/transport"
	logx "nudge/pkg/logx"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	Sent Outcome = iota
	// Gone: the message was deleted after its job was scheduled.
	Gone
	// Expired: the message passed its expire_on before it fired.
	Expired
	// Duplicate: the message already has a delivery record.
	Duplicate
	// LookupFailed: the message store could not be read.
	LookupFailed
	// TransportFailed: the transport rejected or lost the message.
	TransportFailed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Gone:
		return "message_gone"
	case Expired:
		return "expired"
	case Duplicate:
		return "duplicate"
	case LookupFailed:
		return "lookup_failed"
	case TransportFailed:
		return "transport_failed"
	}
	return "unknown"
}

// Event is published on the bus for every attempt.
type Event struct {
	MessageID string        `json:"message_id"`
	Outcome   string        `json:"outcome"`
	Response  string        `json:"response,omitempty"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
}

// Executor delivers one message per call and records the outcome.
type Executor struct {
	messages  message.Store
	transport transport.Transport
	alerts    alert.Reporter
	metrics   *metrics.Recorder
	log       logx.Logger
	bus       eventbus.Bus
	site      string
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

func WithAlerts(r alert.Reporter) Option     { return func(e *Executor) { e.alerts = r } }
func WithMetrics(m *metrics.Recorder) Option { return func(e *Executor) { e.metrics = m } }
func WithBus(b eventbus.Bus) Option          { return func(e *Executor) { e.bus = b } }
func WithSite(site string) Option            { return func(e *Executor) { e.site = site } }
func WithClock(now func() time.Time) Option  { return func(e *Executor) { e.now = now } }

func New(msgs message.Store, tr transport.Transport, log logx.Logger, opts ...Option) *Executor {
	e := &Executor{
		messages:  msgs,
		transport: tr,
		log:       log.With(logx.String("comp", "delivery")),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Send satisfies dispatch.Sender. The outcome is fully handled here, so it
// always returns nil.
func (e *Executor) Send(ctx context.Context, messageID string) error {
	e.Deliver(ctx, messageID)
	return nil
}

// Deliver looks the message up, calls the transport and records the result.
func (e *Executor) Deliver(ctx context.Context, messageID string) Outcome {
	start := e.now()
	log := e.log.With(logx.String("message", messageID), logx.String("site", e.site))

	m, err := e.messages.GetMessage(ctx, messageID)
	switch {
	case errors.Is(err, message.ErrNotFound):
		log.Warn("message gone before delivery")
		return e.finish(ctx, Event{MessageID: messageID, Outcome: Gone.String()}, Gone, nil)
	case err != nil:
		log.Error("message lookup failed", logx.Err(err))
		e.report(ctx, alert.Warning, messageID, "message lookup failed", err)
		return e.finish(ctx, Event{MessageID: messageID, Outcome: LookupFailed.String(), Error: err.Error()}, LookupFailed, nil)
	}

	if m.Delivered() {
		log.Debug("message already delivered")
		return e.finish(ctx, Event{MessageID: messageID, Outcome: Duplicate.String()}, Duplicate, nil)
	}
	if m.Expired(start) {
		log.Info("message expired before delivery", logx.Time("expire_on", m.ExpireOn))
		fail := false
		return e.finish(ctx, Event{MessageID: messageID, Outcome: Expired.String()}, Expired,
			&message.Delivery{Success: &fail, SentAt: start, Response: "expired"})
	}

	rcpt, err := e.transport.Deliver(ctx, m)
	took := e.now().Sub(start)
	if err != nil {
		log.Error("delivery failed",
			logx.String("user", m.UserID),
			logx.String("transport", e.transport.Name()),
			logx.Err(err),
		)
		e.report(ctx, alert.Critical, messageID, fmt.Sprintf("delivery via %s failed", e.transport.Name()), err)
		fail := false
		return e.finish(ctx, Event{MessageID: messageID, Outcome: TransportFailed.String(), Error: err.Error(), Took: took}, TransportFailed,
			&message.Delivery{Success: &fail, SentAt: e.now(), Response: err.Error()})
	}

	e.metrics.SentInc(e.transport.Name(), took)
	log.Debug("message sent", logx.String("user", m.UserID), logx.Duration("took", took), logx.String("response", rcpt.Response))
	ok := true
	return e.finish(ctx, Event{MessageID: messageID, Outcome: Sent.String(), Response: rcpt.Response, Took: took}, Sent,
		&message.Delivery{Success: &ok, SentAt: e.now(), Response: rcpt.Response})
}

func (e *Executor) finish(ctx context.Context, ev Event, o Outcome, rec *message.Delivery) Outcome {
	if rec != nil {
		if err := e.messages.RecordDelivery(context.WithoutCancel(ctx), ev.MessageID, *rec); err != nil {
			e.log.Warn("delivery record not stored", logx.String("message", ev.MessageID), logx.Err(err))
		}
	}
	if o == Sent {
		eventbus.Publish(e.bus, eventbus.TypeDelivered, ev)
	} else {
		e.metrics.DeliveryFailedInc(o.String())
		eventbus.Publish(e.bus, eventbus.TypeDeliveryFailed, ev)
	}
	return o
}

func (e *Executor) report(ctx context.Context, sev alert.Severity, messageID, text string, err error) {
	if e.alerts == nil {
		return
	}
	a := alert.Alert{Severity: sev, Site: e.site, Component: "delivery", MessageID: messageID, Text: text, Err: err}
	if rerr := e.alerts.Report(context.WithoutCancel(ctx), a); rerr != nil {
		e.log.Debug("alert not queued", logx.Err(rerr))
	}
}
