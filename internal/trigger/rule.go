package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// StripDateList removes RDATE lines from a recurrence and returns them
// separately. Dates joined onto an RRULE line ("...;RDATE:...") are split
// off as well.
func StripDateList(rule string) (string, []string) {
	var keep []string
	var dates []string
	for _, line := range splitLines(rule) {
		if i := strings.Index(strings.ToUpper(line), "RDATE:"); i >= 0 {
			for _, d := range strings.Split(line[i+len("RDATE:"):], ",") {
				if d = strings.TrimSpace(d); d != "" {
					dates = append(dates, d)
				}
			}
			line = strings.TrimRight(strings.TrimSpace(line[:i]), ";\n ")
			if line == "" {
				continue
			}
		}
		keep = append(keep, line)
	}
	return strings.Join(keep, "\n"), dates
}

// Normalize strips RDATE data from t.Rule into t.RDates. Call it before
// persisting a trigger.
func Normalize(t *Trigger) {
	if t == nil {
		return
	}
	rule, dates := StripDateList(t.Rule)
	t.Rule = rule
	if len(dates) > 0 {
		t.RDates = dates
	}
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// recurrence is a compiled rule: the union of its RRULE lines minus anything
// matched by an EXRULE or EXDATE line.
type recurrence struct {
	rules   []*rrule.RRule
	exrules []*rrule.RRule
	exdates []time.Time
}

// maxExcluded bounds how many excluded occurrences a lookup steps over.
const maxExcluded = 1000

func (r *recurrence) excluded(t time.Time) bool {
	for _, d := range r.exdates {
		if d.Equal(t) {
			return true
		}
	}
	for _, x := range r.exrules {
		if x.After(t, true).Equal(t) {
			return true
		}
	}
	return false
}

// After returns the earliest occurrence after t (at t when inc is set), or
// the zero time when every rule has ended.
func (r *recurrence) After(t time.Time, inc bool) time.Time {
	var best time.Time
	for _, rr := range r.rules {
		cur, in := t, inc
		for range maxExcluded {
			n := rr.After(cur, in)
			if n.IsZero() {
				break
			}
			if !r.excluded(n) {
				if best.IsZero() || n.Before(best) {
					best = n
				}
				break
			}
			cur, in = n, false
		}
	}
	return best
}

// Before returns the latest occurrence before t (at t when inc is set).
func (r *recurrence) Before(t time.Time, inc bool) time.Time {
	var best time.Time
	for _, rr := range r.rules {
		cur, in := t, inc
		for range maxExcluded {
			p := rr.Before(cur, in)
			if p.IsZero() {
				break
			}
			if !r.excluded(p) {
				if p.After(best) {
					best = p
				}
				break
			}
			cur, in = p, false
		}
	}
	return best
}

// compileRule compiles rule with every recurrence anchored at dtstart.
// DTSTART and RDATE lines in rule are ignored.
func compileRule(rule string, dtstart time.Time) (*recurrence, error) {
	rec := &recurrence{}
	for _, line := range splitLines(rule) {
		name, value := "RRULE", line
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name, value = strings.ToUpper(strings.TrimSpace(line[:i])), line[i+1:]
		}
		switch {
		case name == "RRULE" || name == "EXRULE":
			opt, err := rrule.StrToROption(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			opt.Dtstart = dtstart
			r, err := rrule.NewRRule(*opt)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			if name == "RRULE" {
				rec.rules = append(rec.rules, r)
			} else {
				rec.exrules = append(rec.exrules, r)
			}
		case strings.HasPrefix(name, "EXDATE"):
			for _, raw := range strings.Split(value, ",") {
				d, err := parseICalTime(raw, dtstart.Location())
				if err != nil {
					return nil, err
				}
				rec.exdates = append(rec.exdates, d)
			}
		case strings.HasPrefix(name, "DTSTART"), strings.HasPrefix(name, "RDATE"):
		default:
			return nil, fmt.Errorf("unsupported recurrence property %q", name)
		}
	}
	if len(rec.rules) == 0 {
		return nil, fmt.Errorf("recurrence has no RRULE")
	}
	return rec, nil
}

func parseICalTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		var (
			t   time.Time
			err error
		)
		if strings.HasSuffix(layout, "Z") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date-time %q", s)
}

// ValidateRule reports whether rule compiles.
func ValidateRule(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	_, err := compileRule(rule, time.Now())
	return err
}
