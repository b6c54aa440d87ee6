package trigger

import (
	"context"
	"strings"
	"time"

	logx "nudge/pkg/logx"
)

// Next returns the next instant t should fire after ref, evaluated in loc.
// The result is in loc. The second result is false when there is nothing
// to schedule.
func Next(t *Trigger, loc *time.Location, ref time.Time) (time.Time, bool) {
	n, err := next(t, loc, ref)
	if err != nil || n.IsZero() {
		return time.Time{}, false
	}
	return n, true
}

func next(t *Trigger, loc *time.Location, ref time.Time) (time.Time, error) {
	if t == nil || t.Disabled || t.Kind != KindTime || t.Time == nil {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	ref = ref.In(loc)

	if t.HasRule() {
		candidate := t.Time.On(DateOf(ref), loc)
		// COUNT and UNTIL are counted from the first day of the series.
		anchor := candidate
		if t.Date != nil {
			anchor = t.Time.On(*t.Date, loc)
			if anchor.After(candidate) {
				candidate = anchor
			}
		}
		rec, err := compileRule(t.Rule, anchor)
		if err != nil {
			return time.Time{}, err
		}
		if candidate.After(ref) {
			// an ended series has nothing at or after today's slot
			if rec.After(candidate, true).IsZero() {
				return time.Time{}, nil
			}
			return candidate, nil
		}
		n := rec.After(candidate, false)
		if n.IsZero() {
			return time.Time{}, nil
		}
		return n.In(loc), nil
	}

	if t.Date != nil {
		if at := t.Time.On(*t.Date, loc); at.After(ref) {
			return at, nil
		}
	}
	return time.Time{}, nil
}

// Previous returns the latest occurrence of a recurring trigger before the
// start of ref's day, looking back at most lookbackDays.
func Previous(t *Trigger, loc *time.Location, ref time.Time, lookbackDays int) (time.Time, bool) {
	if t == nil || t.Time == nil || !t.HasRule() {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	today := DateOf(ref.In(loc))
	midnight := time.Date(today.Year, today.Month, today.Day, 0, 0, 0, 0, loc)
	start := t.Time.On(DateOf(midnight.AddDate(0, 0, -lookbackDays)), loc)
	anchor := start
	if t.Date != nil {
		anchor = t.Time.On(*t.Date, loc)
	}

	rec, err := compileRule(t.Rule, anchor)
	if err != nil {
		return time.Time{}, false
	}
	p := rec.Before(midnight, false)
	if p.IsZero() || p.Before(start) {
		return time.Time{}, false
	}
	return p.In(loc), true
}

// Occurrences lists the firings of t in (from, from+days].
func Occurrences(t *Trigger, loc *time.Location, from time.Time, days int) []time.Time {
	end := from.AddDate(0, 0, days)
	var out []time.Time
	ref := from
	for len(out) < 1000 {
		n, ok := Next(t, loc, ref)
		if !ok || n.After(end) || !n.After(ref) {
			break
		}
		out = append(out, n)
		ref = n
	}
	return out
}

// RelativeDate computes the start date of a relative trigger owned by a user
// from the moment the user selected the content. Month and year offsets clamp
// to the last day of the target month.
func RelativeDate(t *Trigger, selected time.Time) (Date, bool) {
	if t == nil || t.UserID == "" || !t.IsRelative() {
		return Date{}, false
	}
	if t.RelativeUnits == "" || t.RelativeValue == 0 {
		return DateOf(selected), true
	}
	v := t.RelativeValue
	switch t.RelativeUnits {
	case Days:
		return DateOf(selected.AddDate(0, 0, v)), true
	case Weeks:
		return DateOf(selected.AddDate(0, 0, 7*v)), true
	case Months:
		return addMonthsClamped(DateOf(selected), v), true
	case Years:
		return addMonthsClamped(DateOf(selected), 12*v), true
	}
	return Date{}, false
}

func addMonthsClamped(d Date, months int) Date {
	first := time.Date(d.Year, d.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	last := first.AddDate(0, 1, -1).Day()
	return Date{Year: first.Year(), Month: first.Month(), Day: min(d.Day, last)}
}

// ForUser copies a template trigger for userID. Relative templates get their
// start date from selected.
func ForUser(tmpl *Trigger, userID string, selected time.Time) *Trigger {
	if tmpl == nil {
		return nil
	}
	cp := *tmpl
	cp.UserID = userID
	cp.RDates = append([]string(nil), tmpl.RDates...)
	if tmpl.Date != nil {
		d := *tmpl.Date
		cp.Date = &d
	}
	if tmpl.Time != nil {
		tod := *tmpl.Time
		cp.Time = &tod
	}
	if d, ok := RelativeDate(&cp, selected); ok {
		cp.Date = &d
	}
	return &cp
}

// TimezoneLookup resolves a user's profile timezone name.
type TimezoneLookup interface {
	UserTimezone(ctx context.Context, userID string) (string, error)
}

// CompletionChecker reports whether the user completed the content a
// trigger belongs to.
type CompletionChecker interface {
	Completed(ctx context.Context, userID, triggerID string) (bool, error)
}

// Evaluator resolves the owner's timezone and completion state around Next.
type Evaluator struct {
	tz   TimezoneLookup
	done CompletionChecker
	log  logx.Logger
}

func NewEvaluator(tz TimezoneLookup, done CompletionChecker, log logx.Logger) *Evaluator {
	return &Evaluator{tz: tz, done: done, log: log.With(logx.String("comp", "trigger"))}
}

// Location returns the user's zone, UTC when unknown.
func (e *Evaluator) Location(ctx context.Context, userID string) *time.Location {
	if e.tz == nil || userID == "" {
		return time.UTC
	}
	name, err := e.tz.UserTimezone(ctx, userID)
	if err != nil {
		e.log.Debug("timezone lookup failed; using UTC", logx.String("user", userID), logx.Err(err))
		return time.UTC
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		e.log.Warn("unknown timezone; using UTC", logx.String("user", userID), logx.String("tz", name))
		return time.UTC
	}
	return loc
}

// Next evaluates t for userID (the trigger owner when t has one). It never
// fails: missing data, a bad rule or completed content all mean "none".
func (e *Evaluator) Next(ctx context.Context, t *Trigger, userID string, ref time.Time) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.UserID != "" {
		userID = t.UserID
	}
	if t.StopOnComplete && userID != "" && e.done != nil {
		done, err := e.done.Completed(ctx, userID, t.ID)
		if err != nil {
			e.log.Warn("completion lookup failed", logx.String("trigger", t.ID), logx.Err(err))
		} else if done {
			return time.Time{}, false
		}
	}
	n, err := next(t, e.Location(ctx, userID), ref)
	if err != nil {
		e.log.Warn("trigger rule invalid", logx.String("trigger", t.ID), logx.String("rule", t.Rule), logx.Err(err))
		return time.Time{}, false
	}
	return n, !n.IsZero()
}
