package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindTime  Kind = "time"
	KindPlace Kind = "place"
)

// Date is a calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeOfDay is a wall-clock time in the trigger owner's zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On combines the time of day with d in loc.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
}

type RelativeUnit string

const (
	Days   RelativeUnit = "days"
	Weeks  RelativeUnit = "weeks"
	Months RelativeUnit = "months"
	Years  RelativeUnit = "years"
)

// Trigger describes when a reminder should fire. A trigger without a UserID
// is a template shared by every user who selects its content.
type Trigger struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`

	// Date is a one-shot date, or the first day of a recurrence.
	Date *Date      `json:"date,omitempty"`
	Time *TimeOfDay `json:"time,omitempty"`
	// Rule holds RFC 5545 RRULE/EXRULE/EXDATE lines. RDATE lines are kept
	// in RDates instead, see Normalize.
	Rule   string   `json:"rule,omitempty"`
	RDates []string `json:"rdates,omitempty"`

	// Location is free text for place triggers.
	Location string `json:"location,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	StopOnComplete    bool         `json:"stop_on_complete,omitempty"`
	StartWhenSelected bool         `json:"start_when_selected,omitempty"`
	RelativeValue     int          `json:"relative_value,omitempty"`
	RelativeUnits     RelativeUnit `json:"relative_units,omitempty"`
}

// IsRelative reports whether the start date depends on when the user picked
// the content.
func (t *Trigger) IsRelative() bool {
	return t.StartWhenSelected || (t.RelativeUnits != "" && t.RelativeValue != 0)
}

// HasRule reports whether a recurrence drives repetition.
func (t *Trigger) HasRule() bool { return strings.TrimSpace(t.Rule) != "" }
