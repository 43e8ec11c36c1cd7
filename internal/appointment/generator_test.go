package appointment

import (
	"slices"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var genDate = civil.Date{Year: 2025, Month: time.January, Day: 10}

func mustClock(t *testing.T, s string) Clock {
	t.Helper()
	c, err := ParseClock(s)
	require.NoError(t, err)
	return c
}

func window(t *testing.T, date civil.Date, start, end string) AvailabilityWindow {
	return AvailabilityWindow{Date: date, StartTime: mustClock(t, start), EndTime: mustClock(t, end)}
}

func committedSlot(t *testing.T, date civil.Date, start, end string) Slot {
	s, e := mustClock(t, start), mustClock(t, end)
	return Slot{Date: date, StartTime: s, EndTime: e, Duration: DurationMinutes(int(e - s)), Committed: true}
}

// intervals renders generated slots as "HH:MM-HH:MM" for compact assertions.
func intervals(t *testing.T, date civil.Date, d time.Duration, ws []AvailabilityWindow, committed []Slot) []string {
	t.Helper()
	seq, err := Generate(date, d, ws, committed)
	require.NoError(t, err)

	out := []string{}
	for s := range seq {
		out = append(out, s.StartTime.String()+"-"+s.EndTime.String())
	}
	return out
}

func TestGenerate_SlicesWindowDeterministically(t *testing.T) {
	ws := []AvailabilityWindow{window(t, genDate, "09:00", "10:00")}

	seq, err := Generate(genDate, 30*time.Minute, ws, nil)
	require.NoError(t, err)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	require.Len(t, first, 2)
	assert.Equal(t, first, second, "sequence must be restartable with identical output")

	assert.Equal(t, []string{"09:00-09:30", "09:30-10:00"}, intervals(t, genDate, 30*time.Minute, ws, nil))
	for _, s := range first {
		assert.False(t, s.Committed)
		assert.Equal(t, genDate, s.Date)
		assert.Equal(t, 30*time.Minute, s.Duration)
	}
}

func TestGenerate_FiltersCommittedOverlap(t *testing.T) {
	ws := []AvailabilityWindow{window(t, genDate, "09:00", "10:00")}
	committed := []Slot{committedSlot(t, genDate, "09:15", "09:45")}

	assert.Empty(t, intervals(t, genDate, 30*time.Minute, ws, committed))
	assert.Equal(t, []string{"09:00-09:15", "09:45-10:00"}, intervals(t, genDate, 15*time.Minute, ws, committed))
}

func TestGenerate_BackToBackIsNotOverlap(t *testing.T) {
	ws := []AvailabilityWindow{window(t, genDate, "09:00", "10:00")}
	committed := []Slot{committedSlot(t, genDate, "09:30", "10:00")}

	assert.Equal(t, []string{"09:00-09:30"}, intervals(t, genDate, 30*time.Minute, ws, committed))
}

func TestGenerate_DropsRemainderAndNeverSpansWindows(t *testing.T) {
	ws := []AvailabilityWindow{
		window(t, genDate, "11:00", "11:50"),
		window(t, genDate, "09:00", "10:00"),
		window(t, genDate, "10:00", "10:20"),
	}

	// Unsorted input comes out ascending, the 20-minute tail of 11:00-11:50 is
	// dropped and 10:00-10:20 is too short on its own.
	assert.Equal(t,
		[]string{"09:00-09:30", "09:30-10:00", "11:00-11:30"},
		intervals(t, genDate, 30*time.Minute, ws, nil),
	)

	// Two contiguous windows never merge into one candidate.
	assert.Empty(t, intervals(t, genDate, 80*time.Minute, ws, nil))
}

func TestGenerate_IgnoresOtherDatesAndReleasedSlots(t *testing.T) {
	other := genDate.AddDays(1)
	ws := []AvailabilityWindow{
		window(t, genDate, "09:00", "10:00"),
		window(t, other, "13:00", "14:00"),
	}
	released := committedSlot(t, genDate, "09:00", "09:30")
	released.Committed = false
	committed := []Slot{released, committedSlot(t, other, "09:30", "10:00")}

	assert.Equal(t, []string{"09:00-09:30", "09:30-10:00"}, intervals(t, genDate, 30*time.Minute, ws, committed))
}

func TestGenerate_EmptyWindows(t *testing.T) {
	assert.Empty(t, intervals(t, genDate, 30*time.Minute, nil, nil))
}

func TestGenerate_InvalidDuration(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Minute, 30 * time.Second, 90 * time.Second} {
		_, err := Generate(genDate, d, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidDuration, "duration %s", d)
	}
}

func TestGenerate_EarlyStop(t *testing.T) {
	ws := []AvailabilityWindow{window(t, genDate, "09:00", "17:00")}
	seq, err := Generate(genDate, 15*time.Minute, ws, nil)
	require.NoError(t, err)

	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}
