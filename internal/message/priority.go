package message

import (
	"fmt"
	"strings"
)

// Priority is the tier a message competes in for the daily budget.
// The numeric value doubles as the tier index.
type Priority int8

const (
	Low Priority = iota
	Medium
	High
)

// Priorities lists every tier in ascending order.
var Priorities = [...]Priority{Low, Medium, High}

func (p Priority) Valid() bool { return p >= Low && p <= High }

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// ParsePriority accepts the tier names case-insensitively. Empty means Low.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return Low, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
