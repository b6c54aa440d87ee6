// Package message defines the notification record that flows from the
// generator through admission and dispatch to delivery.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("message not found")

const (
	MaxTitleRunes = 256
	ellipsis      = "..."
)

// Source points back at the content a message was generated from.
type Source struct {
	Kind string `json:"kind,omitempty"`
	ID   string `json:"id,omitempty"`
}

func (s Source) IsZero() bool { return s.Kind == "" && s.ID == "" }

// Delivery is the outcome stored once the message has been handed to the
// transport, or once delivery gave up.
type Delivery struct {
	Success  *bool     `json:"success,omitempty"`
	SentAt   time.Time `json:"sent_at,omitempty"`
	Response string    `json:"response,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	DeliverOn time.Time `json:"deliver_on"`
	Priority  Priority  `json:"priority"`
	Source    Source    `json:"source"`
	// JobID is set once the message is admitted.
	JobID string `json:"job_id,omitempty"`
	// ExpireOn, when set, turns a late delivery into a skip.
	ExpireOn  time.Time `json:"expire_on,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Delivery  Delivery  `json:"delivery"`
}

// Deliverable reports whether the message carries the fields admission needs.
func (m *Message) Deliverable() bool {
	return m != nil && m.UserID != "" && !m.DeliverOn.IsZero()
}

// Expired reports whether now is past ExpireOn.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpireOn.IsZero() && now.After(m.ExpireOn)
}

func (m *Message) Delivered() bool { return m.Delivery.Success != nil }

// TruncateTitle keeps titles within MaxTitleRunes. Longer titles keep their
// first MaxTitleRunes-3 runes followed by "...".
func TruncateTitle(title string) string {
	if utf8.RuneCountInString(title) <= MaxTitleRunes {
		return title
	}
	keep := MaxTitleRunes - len(ellipsis)
	n := 0
	for i := range title {
		if n == keep {
			return title[:i] + ellipsis
		}
		n++
	}
	return title
}

// Build holds the inputs for New.
type Build struct {
	UserID    string    `validate:"required"`
	Title     string    `validate:"required"`
	Body      string
	DeliverOn time.Time `validate:"required"`
	Priority  Priority  `validate:"gte=0,lte=2"`
	Source    Source
	ExpireOn  time.Time
}

var validate = validator.New()

// New validates b and returns a message with a fresh id, a truncated title and
// every instant in UTC.
func New(b Build, now time.Time) (*Message, error) {
	b.UserID = strings.TrimSpace(b.UserID)
	if err := validate.Struct(b); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	m := &Message{
		ID:        uuid.NewString(),
		UserID:    b.UserID,
		Title:     TruncateTitle(b.Title),
		Body:      b.Body,
		DeliverOn: b.DeliverOn.UTC(),
		Priority:  b.Priority,
		Source:    b.Source,
		CreatedAt: now.UTC(),
	}
	if !b.ExpireOn.IsZero() {
		m.ExpireOn = b.ExpireOn.UTC()
	}
	return m, nil
}
