package appointment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Clock is a wall-clock time of day with minute resolution, stored as
// minutes since midnight. 24:00 is valid only as an end bound.
type Clock int

const (
	Midnight Clock = 0
	EndOfDay Clock = 24 * 60
)

var errBadClock = errors.New(`time must be "HH:MM"`)

// ParseClock parses "HH:MM" (also accepts "H:MM").
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, fmt.Errorf("parse %q: %w", s, errBadClock)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, errBadClock)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, errBadClock)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("parse %q: out of range: %w", s, errBadClock)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Add returns c shifted by d, truncated to whole minutes. The result may
// exceed EndOfDay; callers compare it against window bounds.
func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Minute)
}

func (c Clock) Valid() bool {
	return c >= Midnight && c <= EndOfDay
}

// ClockOf returns the time of day of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// Overlaps reports whether the half-open intervals [aStart,aEnd) and
// [bStart,bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd Clock) bool {
	return aStart < bEnd && bStart < aEnd
}

// ParseDate parses a calendar date "YYYY-MM-DD".
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// DurationMinutes converts a minute count into a time.Duration.
func DurationMinutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
