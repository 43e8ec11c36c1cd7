package appointment

import (
	"errors"
	"iter"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

var ErrInvalidDuration = errors.New("duration must be a positive whole number of minutes")

// ValidDuration reports whether d can be used to slice windows.
func ValidDuration(d time.Duration) bool {
	return d >= time.Minute && d%time.Minute == 0
}

// Generate slices each window on date into back-to-back candidates of
// length duration, skipping any that overlap a committed slot. Candidates
// never straddle two windows and a trailing remainder shorter than duration
// is dropped. The returned sequence is ascending by start time and can be
// ranged over any number of times.
func Generate(date civil.Date, duration time.Duration, windows []AvailabilityWindow, committed []Slot) (iter.Seq[Slot], error) {
	if !ValidDuration(duration) {
		return nil, ErrInvalidDuration
	}

	ws := make([]AvailabilityWindow, 0, len(windows))
	for _, w := range windows {
		if w.Date == date && w.StartTime < w.EndTime {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].StartTime < ws[j].StartTime
	})

	busy := make([]Slot, 0, len(committed))
	for _, s := range committed {
		if s.Date == date && s.Committed {
			busy = append(busy, s)
		}
	}

	return func(yield func(Slot) bool) {
		for _, w := range ws {
			for start := w.StartTime; start.Add(duration) <= w.EndTime; start = start.Add(duration) {
				candidate := Slot{
					Date:      date,
					StartTime: start,
					EndTime:   start.Add(duration),
					Duration:  duration,
				}
				if conflicts(candidate, busy) {
					continue
				}
				if !yield(candidate) {
					return
				}
			}
		}
	}, nil
}

func conflicts(candidate Slot, busy []Slot) bool {
	for _, b := range busy {
		if candidate.Overlaps(b) {
			return true
		}
	}
	return false
}
