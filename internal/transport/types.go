// Package transport defines how a due message leaves nudge. Drivers live in
// subpackages: logsink, webhook and amqp.
package transport

import (
	"context"
	"errors"
	"time"

	"nudge/internal/message"
)

// ErrRejected marks a permanent refusal by the receiving side (bad request,
// unknown device). Anything else is treated as transient.
var ErrRejected = errors.New("transport rejected message")

// Receipt is what the receiving side answered.
type Receipt struct {
	Response string
}

type Transport interface {
	Name() string
	Deliver(ctx context.Context, m *message.Message) (Receipt, error)
	Close() error
}

// Payload is the wire shape every driver sends.
type Payload struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Priority   string    `json:"priority"`
	SourceKind string    `json:"source_kind,omitempty"`
	SourceID   string    `json:"source_id,omitempty"`
	DeliverOn  time.Time `json:"deliver_on"`
	Site       string    `json:"site,omitempty"`
}

func PayloadOf(m *message.Message, site string) Payload {
	return Payload{
		ID:         m.ID,
		UserID:     m.UserID,
		Title:      m.Title,
		Body:       m.Body,
		Priority:   m.Priority.String(),
		SourceKind: m.Source.Kind,
		SourceID:   m.Source.ID,
		DeliverOn:  m.DeliverOn,
		Site:       site,
	}
}
