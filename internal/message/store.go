package message

import (
	"context"
	"time"
)

// Store persists messages. Get returns ErrNotFound for unknown ids.
type Store interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) (bool, error)
	SetJobID(ctx context.Context, id, jobID string) error
	// Reschedule changes deliver_on and clears the job id.
	Reschedule(ctx context.Context, id string, deliverOn time.Time) error
	RecordDelivery(ctx context.Context, id string, d Delivery) error
	// FindPending returns an undelivered message for the same user, source
	// and deliver_on, or ErrNotFound.
	FindPending(ctx context.Context, userID string, src Source, deliverOn time.Time) (*Message, error)
	// PruneMessages deletes delivered messages sent before cutoff.
	PruneMessages(ctx context.Context, cutoff time.Time) (int, error)
}
