// Package alert routes operational failures to operators: a rate limited,
// de-duplicated async pipeline in front of a chat sink, or the log when no
// sink is configured.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled  = errors.New("alerting disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerting stopped")
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return "info"
}

// Alert describes one operational failure.
type Alert struct {
	Severity  Severity
	Site      string
	Component string
	MessageID string
	Text      string
	Err       error
}

// Format renders a for a chat message.
func (a Alert) Format() string {
	var b strings.Builder
	switch a.Severity {
	case Critical:
		b.WriteString("🚨 ")
	case Warning:
		b.WriteString("⚠️ ")
	}
	if a.Site != "" {
		fmt.Fprintf(&b, "[%s] ", a.Site)
	}
	if a.Component != "" {
		b.WriteString(a.Component)
		b.WriteString(": ")
	}
	b.WriteString(a.Text)
	if a.MessageID != "" {
		fmt.Fprintf(&b, "\nmessage: %s", a.MessageID)
	}
	if a.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", a.Err)
	}
	return b.String()
}

// Reporter accepts alerts. Implementations must not block for long.
type Reporter interface {
	Report(ctx context.Context, a Alert) error
}

// Sink delivers a formatted alert to operators.
type Sink interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
