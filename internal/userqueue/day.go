// Package userqueue tracks, per user and calendar day, which scheduled jobs
// count against the user's daily notification budget.
package userqueue

import (
	"slices"
	"time"

	"nudge/internal/message"
)

// TTL is how long a day's state lives after its last write.
const TTL = 48 * time.Hour

const dateLayout = time.DateOnly

// Key identifies one user's day. Date is YYYY-MM-DD in UTC.
type Key struct {
	UserID string
	Date   string
}

// KeyFor returns the bucket a delivery instant counts against.
func KeyFor(userID string, deliverOn time.Time) Key {
	return Key{UserID: userID, Date: DateKey(deliverOn)}
}

func DateKey(t time.Time) string { return t.UTC().Format(dateLayout) }

func (k Key) String() string { return k.UserID + "/" + k.Date }

// Day is the queue state for one Key. Tiers is indexed by message.Priority
// and each tier is in admission order.
type Day struct {
	Key       Key
	Tiers     [3][]string
	Count     int
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func (d *Day) Len(p message.Priority) int { return len(d.Tiers[p]) }

// List returns a copy of the tier.
func (d *Day) List(p message.Priority) []string { return slices.Clone(d.Tiers[p]) }

func (d *Day) Append(p message.Priority, jobID string) {
	d.Tiers[p] = append(d.Tiers[p], jobID)
	d.recount()
}

// PopTail removes and returns the most recently appended job of tier p.
func (d *Day) PopTail(p message.Priority) (string, bool) {
	n := len(d.Tiers[p])
	if n == 0 {
		return "", false
	}
	id := d.Tiers[p][n-1]
	d.Tiers[p] = d.Tiers[p][:n-1]
	d.recount()
	return id, true
}

// Remove drops jobID from tier p.
func (d *Day) Remove(p message.Priority, jobID string) bool {
	i := slices.Index(d.Tiers[p], jobID)
	if i < 0 {
		return false
	}
	d.Tiers[p] = slices.Delete(d.Tiers[p], i, i+1)
	d.recount()
	return true
}

// RemoveJob drops jobID from whichever tier holds it.
func (d *Day) RemoveJob(jobID string) (message.Priority, bool) {
	for _, p := range message.Priorities {
		if d.Remove(p, jobID) {
			return p, true
		}
	}
	return message.Low, false
}

func (d *Day) Contains(jobID string) bool {
	for _, p := range message.Priorities {
		if slices.Contains(d.Tiers[p], jobID) {
			return true
		}
	}
	return false
}

func (d *Day) Empty() bool {
	return len(d.Tiers[message.Low])+len(d.Tiers[message.Medium])+len(d.Tiers[message.High]) == 0
}

func (d *Day) recount() {
	d.Count = len(d.Tiers[message.Low]) + len(d.Tiers[message.Medium]) + len(d.Tiers[message.High])
}

func (d *Day) clone() Day {
	cp := *d
	for i := range d.Tiers {
		cp.Tiers[i] = slices.Clone(d.Tiers[i])
	}
	return cp
}

// View is the JSON shape served to operators.
type View struct {
	User   string   `json:"user"`
	Date   string   `json:"date"`
	Count  int      `json:"count"`
	Low    []string `json:"low"`
	Medium []string `json:"medium"`
	High   []string `json:"high"`
}

func (d *Day) View() View {
	return View{
		User:   d.Key.UserID,
		Date:   d.Key.Date,
		Count:  d.Count,
		Low:    nonNil(d.Tiers[message.Low]),
		Medium: nonNil(d.Tiers[message.Medium]),
		High:   nonNil(d.Tiers[message.High]),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
