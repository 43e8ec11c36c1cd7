package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"09:00", 540, false},
		{"9:05", 545, false},
		{"00:00", Midnight, false},
		{"24:00", EndOfDay, false},
		{"23:59", 1439, false},
		{"24:01", 0, true},
		{"12:60", 0, true},
		{"1200", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClock_StringAndAdd(t *testing.T) {
	c := Clock(9*60 + 5)
	assert.Equal(t, "09:05", c.String())
	assert.Equal(t, "09:50", c.Add(45*time.Minute).String())
	assert.Equal(t, "24:00", EndOfDay.String())
}

func TestOverlaps_HalfOpen(t *testing.T) {
	assert.True(t, Overlaps(540, 570, 555, 585))
	assert.True(t, Overlaps(540, 600, 550, 560))
	assert.False(t, Overlaps(540, 570, 570, 600), "touching intervals do not overlap")
	assert.False(t, Overlaps(600, 630, 540, 600))
}

func TestClockOf(t *testing.T) {
	ts := time.Date(2025, 1, 10, 14, 37, 59, 0, time.UTC)
	assert.Equal(t, "14:37", ClockOf(ts).String())
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-01-10")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-10", d.String())

	_, err = ParseDate("10/01/2025")
	assert.Error(t, err)
}
