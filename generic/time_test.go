package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/generic"
)

func TestWindowFromDaysBack(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	fallback := generic.Window{From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), To: now}
	n := func(v int) *int { return &v }

	tests := []struct {
		name     string
		daysBack *int
		from     time.Time
		to       time.Time
	}{
		{"nil uses fallback", nil, fallback.From, fallback.To},
		{"negative uses fallback", n(-1), fallback.From, fallback.To},
		{"zero is today", n(0), time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC)},
		{"n days ago until now", n(2), time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := generic.WindowFromDaysBack(now, tt.daysBack, fallback)
			assert.Equal(t, tt.from, w.From)
			assert.Equal(t, tt.to, w.To)
		})
	}
}

func TestParseWindow(t *testing.T) {
	kyiv, err := time.LoadLocation("Europe/Kyiv")
	require.NoError(t, err)

	w, err := generic.ParseWindow("2025-03-01", "2025-03-31", kyiv)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, kyiv), w.From)
	assert.Equal(t, time.Date(2025, 3, 31, 23, 59, 59, 0, kyiv), w.To)
	assert.Equal(t, "2025-03-01..2025-03-31", w.String())

	w, err = generic.ParseWindow("2025-03-05", "2025-03-05", nil)
	require.NoError(t, err, "a single day is valid")
	assert.True(t, w.Contains(time.Date(2025, 3, 5, 23, 0, 0, 0, time.UTC)))

	_, err = generic.ParseWindow("2025-03-31", "2025-03-01", time.UTC)
	assert.ErrorIs(t, err, generic.ErrInvalidWindow)

	_, err = generic.ParseWindow("03/01/2025", "2025-03-31", time.UTC)
	assert.ErrorIs(t, err, generic.ErrInvalidWindow)
}

func TestWindow_Contains(t *testing.T) {
	w := generic.LastDays(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), 7)

	assert.True(t, w.Contains(w.From))
	assert.True(t, w.Contains(w.To))
	assert.False(t, w.Contains(w.From.Add(-time.Second)))
	assert.False(t, w.Contains(w.To.Add(time.Second)))
	assert.False(t, w.IsZero())
	assert.True(t, generic.Window{}.IsZero())
}
