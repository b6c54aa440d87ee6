// Package logsink is the transport used when no push gateway is configured:
// it logs each delivery and reports success.
package logsink

import (
	"context"

	"nudge/internal/message"
	"nudge/internal/transport"
	logx "nudge/pkg/logx"
)

type Sink struct{ log logx.Logger }

func New(log logx.Logger) *Sink {
	return &Sink{log: log.With(logx.String("comp", "transport.log"))}
}

func (s *Sink) Name() string { return "log" }

func (s *Sink) Deliver(_ context.Context, m *message.Message) (transport.Receipt, error) {
	s.log.Info("push",
		logx.String("message", m.ID),
		logx.String("user", m.UserID),
		logx.String("priority", m.Priority.String()),
		logx.String("title", m.Title),
	)
	return transport.Receipt{Response: "logged"}, nil
}

func (s *Sink) Close() error { return nil }
