package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by nudged components.
const (
	TypeAdmitted       = "admission.admitted"
	TypeDeclined       = "admission.declined"
	TypeEvicted        = "admission.evicted"
	TypeWithdrawn      = "admission.withdrawn"
	TypeSnoozed        = "admission.snoozed"
	TypeJobFired       = "dispatch.fired"
	TypeJobCancelled   = "dispatch.cancelled"
	TypeJobsCleared    = "dispatch.cleared"
	TypeDelivered      = "delivery.sent"
	TypeDeliveryFailed = "delivery.failed"
	TypeTaskStarted    = "task.started"
	TypeTaskFinished   = "task.finished"
	TypeTaskFailed     = "task.failed"
	TypeTaskDropped    = "task.dropped"
	TypeGeneratorRun   = "generator.run"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Publish is a nil-safe helper for components whose bus is optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sending under the read lock keeps Unsubscribe (which takes the write
	// lock before closing) from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
