package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/internal/alert"
	"nudge/internal/eventbus"
	"nudge/internal/message"
	"nudge/internal/metrics"
	"nudge/internal/storage"
	"nudge/internal/transport"
	logx "nudge/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Deliver(_ context.Context, m *message.Message) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.Receipt{}, f.err
	}
	f.sent = append(f.sent, m.ID)
	return transport.Receipt{Response: "ok:" + m.ID}, nil
}

type fakeReporter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeReporter) Report(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Executor, storage.Store, *fakeTransport, *fakeReporter, *metrics.Recorder, eventbus.Bus) {
	t.Helper()
	st := storage.NewMemory()
	tr := &fakeTransport{}
	rep := &fakeReporter{}
	rec := metrics.New()
	bus := eventbus.New()
	ex := New(st, tr, logx.Nop(),
		WithAlerts(rep), WithMetrics(rec), WithBus(bus), WithSite("test"),
		WithClock(func() time.Time { return now }),
	)
	return ex, st, tr, rep, rec, bus
}

func createMessage(t *testing.T, st storage.Store, expire time.Time) *message.Message {
	t.Helper()
	m, err := message.New(message.Build{
		UserID: "u1", Title: "drink water", DeliverOn: now, Priority: message.Medium, ExpireOn: expire,
	}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.CreateMessage(context.Background(), m))
	return m
}

func TestDeliverSent(t *testing.T) {
	ex, st, tr, rep, rec, bus := setup(t)
	events, unsub := bus.Subscribe(4)
	defer unsub()
	m := createMessage(t, st, time.Time{})

	require.NoError(t, ex.Send(context.Background(), m.ID))

	assert.Equal(t, []string{m.ID}, tr.sent)
	assert.Empty(t, rep.alerts)
	got, err := st.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, got.Delivered())
	assert.True(t, *got.Delivery.Success)
	assert.Equal(t, "ok:"+m.ID, got.Delivery.Response)
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.Sent.WithLabelValues("fake")))

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeDelivered, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no delivered event")
	}
}

func TestDeliverTwiceIsDuplicate(t *testing.T) {
	ex, st, tr, _, _, _ := setup(t)
	m := createMessage(t, st, time.Time{})

	assert.Equal(t, Sent, ex.Deliver(context.Background(), m.ID))
	assert.Equal(t, Duplicate, ex.Deliver(context.Background(), m.ID))
	assert.Len(t, tr.sent, 1)
}

func TestDeliverGoneIsNotAlerted(t *testing.T) {
	ex, _, tr, rep, rec, _ := setup(t)

	assert.Equal(t, Gone, ex.Deliver(context.Background(), "missing"))
	assert.Empty(t, tr.sent)
	assert.Empty(t, rep.alerts)
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.DeliveryFailed.WithLabelValues("message_gone")))
}

func TestDeliverExpired(t *testing.T) {
	ex, st, tr, rep, _, _ := setup(t)
	m := createMessage(t, st, now.Add(-time.Minute))

	assert.Equal(t, Expired, ex.Deliver(context.Background(), m.ID))
	assert.Empty(t, tr.sent)
	assert.Empty(t, rep.alerts)

	got, err := st.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, got.Delivered())
	assert.False(t, *got.Delivery.Success)
	assert.Equal(t, "expired", got.Delivery.Response)
}

func TestDeliverTransportFailure(t *testing.T) {
	ex, st, tr, rep, rec, _ := setup(t)
	tr.err = errors.New("connection refused")
	m := createMessage(t, st, time.Time{})

	// Send swallows the failure.
	require.NoError(t, ex.Send(context.Background(), m.ID))

	require.Len(t, rep.alerts, 1)
	a := rep.alerts[0]
	assert.Equal(t, alert.Critical, a.Severity)
	assert.Equal(t, "test", a.Site)
	assert.Equal(t, m.ID, a.MessageID)
	assert.EqualError(t, a.Err, "connection refused")

	got, err := st.GetMessage(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, got.Delivered())
	assert.False(t, *got.Delivery.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.DeliveryFailed.WithLabelValues("transport_failed")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "message_gone", Gone.String())
	assert.Equal(t, "lookup_failed", LookupFailed.String())
	assert.Equal(t, "transport_failed", TransportFailed.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
