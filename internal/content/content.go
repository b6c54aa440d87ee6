// Package content holds the user profile and reminder data the generator
// reads. Editing this data belongs to other services; nudge only needs to
// read it and flip a few flags.
package content

import (
	"context"
	"errors"
	"time"

	"nudge/internal/message"
	"nudge/internal/trigger"
)

var ErrNotFound = errors.New("content not found")

// User is the slice of a profile that scheduling needs.
type User struct {
	ID         string `json:"id"`
	Timezone   string `json:"timezone,omitempty"`
	DailyLimit int    `json:"daily_limit"`
}

// Reminder binds a user to a trigger and the text to send.
type Reminder struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	TriggerID string           `json:"trigger_id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Priority  message.Priority `json:"priority"`
	// SourceKind names the content type the reminder was created from.
	SourceKind string `json:"source_kind,omitempty"`
	Enabled    bool   `json:"enabled"`
	Completed  bool   `json:"completed"`
	// SelectedAt anchors relative triggers.
	SelectedAt time.Time `json:"selected_at"`
}

func (r *Reminder) Source() message.Source {
	kind := r.SourceKind
	if kind == "" {
		kind = "reminder"
	}
	return message.Source{Kind: kind, ID: r.ID}
}

type Store interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// ResetDailyLimits sets every user's limit to limit and returns how many
	// rows changed.
	ResetDailyLimits(ctx context.Context, limit int) (int, error)

	PutTrigger(ctx context.Context, t *trigger.Trigger) error
	GetTrigger(ctx context.Context, id string) (*trigger.Trigger, error)

	PutReminder(ctx context.Context, r Reminder) error
	ListReminders(ctx context.Context, enabledOnly bool) ([]Reminder, error)
	SetReminderCompleted(ctx context.Context, id string, done bool) error
	// ReminderCompleted reports whether userID completed a reminder that uses triggerID.
	ReminderCompleted(ctx context.Context, userID, triggerID string) (bool, error)
}

// Profiles adapts a Store to the lookups the trigger evaluator needs.
type Profiles struct {
	Store Store
}

func (p Profiles) UserTimezone(ctx context.Context, userID string) (string, error) {
	u, err := p.Store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Timezone, nil
}

func (p Profiles) Completed(ctx context.Context, userID, triggerID string) (bool, error) {
	return p.Store.ReminderCompleted(ctx, userID, triggerID)
}

// DailyLimit returns the user's limit, def when the user has no profile.
func (p Profiles) DailyLimit(ctx context.Context, userID string, def int) int {
	u, err := p.Store.GetUser(ctx, userID)
	if err != nil || u.DailyLimit < 0 {
		return def
	}
	return u.DailyLimit
}

// SaveTrigger normalizes t before storing it.
func SaveTrigger(ctx context.Context, s Store, t *trigger.Trigger) error {
	if err := trigger.ValidateRule(t.Rule); err != nil {
		return err
	}
	trigger.Normalize(t)
	return s.PutTrigger(ctx, t)
}
