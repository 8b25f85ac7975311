// Package slotgrid generates the fixed ordered set of slot start-times for
// a working day. It is a pure function package; no I/O, no state.
package slotgrid

import (
	"fmt"
	"time"
)

const (
	// StartTime is the first slot of the working day.
	StartTime = "07:40"
	// EndTime is the *start* of the last slot of the working day, not its
	// finish.
	EndTime = "16:40"
	// StepMinutes is the slot width.
	StepMinutes = 20
)

// AllSlots is the process-wide constant grid, 07:40..16:40 inclusive.
var AllSlots = Generate(StartTime, EndTime, StepMinutes)

// Generate produces "HH:MM" strings from start to end at step-minute
// increments, inclusive of end. end is the last slot's start, not its
// finish: Generate("07:40", "16:40", 20) yields 28 entries ending at 16:40.
func Generate(start, end string, step int) []string {
	startMin, err := toMinutes(start)
	if err != nil {
		return nil
	}
	endMin, err := toMinutes(end)
	if err != nil {
		return nil
	}
	if step <= 0 {
		return nil
	}

	var out []string
	for m := startMin; m <= endMin; m += step {
		out = append(out, fromMinutes(m))
	}
	return out
}

// IsAllowed reports whether slot is a member of AllSlots.
func IsAllowed(slot string) bool {
	for _, s := range AllSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// Set returns AllSlots as a lookup set.
func Set() map[string]struct{} {
	set := make(map[string]struct{}, len(AllSlots))
	for _, s := range AllSlots {
		set[s] = struct{}{}
	}
	return set
}

func toMinutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("slotgrid: invalid time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func fromMinutes(total int) string {
	h := total / 60
	m := total % 60
	return fmt.Sprintf("%02d:%02d", h, m)
}
