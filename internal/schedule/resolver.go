// Package schedule computes the next instant a campaign message may be
// delivered to a single recipient.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date or location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (seconds, if present, are accepted and ignored).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
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

// On returns t on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// Daily is a recurring local delivery window. Start >= End means the window
// wraps past midnight.
type Daily struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Window holds the absolute campaign bounds, [Start, End), plus an optional
// daily window evaluated in the recipient's location.
type Window struct {
	Start time.Time
	End   time.Time
	Daily *Daily
}

// Resolve returns the earliest instant, in UTC, at which a message may be
// delivered to a recipient in loc. The second result is false when no such
// instant exists before the window closes.
//
// With no daily window the campaign end bound is not rechecked here; callers
// validate it when the campaign is accepted.
func Resolve(w Window, loc *time.Location, now time.Time, extraDelay time.Duration) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	floor := w.Start
	if earliest := now.Add(extraDelay); earliest.After(floor) {
		floor = earliest
	}
	floor = floor.In(loc)
	ceiling := w.End.In(loc)

	if w.Daily == nil {
		return floor.UTC(), true
	}

	start := w.Daily.Start.On(floor)
	end := w.Daily.End.On(floor)

	var candidate time.Time
	if start.Before(end) {
		switch {
		case floor.Before(start):
			candidate = start
		case floor.Before(end):
			return floor.UTC(), true
		default:
			// from the configured opening, not start, which a DST gap may have shifted
			y, m, d := floor.Date()
			candidate = w.Daily.Start.On(time.Date(y, m, d+1, 12, 0, 0, 0, loc))
		}
	} else {
		switch {
		case floor.Before(end):
			return floor.UTC(), true
		case floor.Before(start):
			candidate = start
		default:
			return floor.UTC(), true
		}
	}

	if !candidate.Before(ceiling) {
		return time.Time{}, false
	}
	return candidate.UTC(), true
}
