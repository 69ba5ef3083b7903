package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - Inclusive date range of a sync run
// =============================================================================

// DateLayout is the wire format of window bounds.
const DateLayout = "2006-01-02"

// Window bounds a remote query. Both ends are inclusive.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func NewWindow(from, to time.Time) (Window, error) {
	if to.Before(from) {
		return Window{}, fmt.Errorf("%w: %s > %s", ErrInvalidWindow, from.Format(DateLayout), to.Format(DateLayout))
	}
	return Window{From: from, To: to}, nil
}

// ParseWindow parses a YYYY-MM-DD pair. The end date covers the whole day.
func ParseWindow(from, to string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	f, err := time.ParseInLocation(DateLayout, from, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: date_from %q", ErrInvalidWindow, from)
	}
	t, err := time.ParseInLocation(DateLayout, to, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: date_to %q", ErrInvalidWindow, to)
	}
	return NewWindow(f, EndOfDay(t))
}

// WindowFromDaysBack resolves the trigger's days_back argument:
//
//	nil or < 0: fallback
//	0:          today, 00:00:00 to 23:59:59
//	n > 0:      n days ago at 00:00:00 until now
func WindowFromDaysBack(now time.Time, daysBack *int, fallback Window) Window {
	switch {
	case daysBack == nil || *daysBack < 0:
		return fallback
	case *daysBack == 0:
		start := StartOfDay(now)
		return Window{From: start, To: EndOfDay(start)}
	default:
		return Window{From: StartOfDay(now.AddDate(0, 0, -*daysBack)), To: now}
	}
}

// LastDays is the window covering the n days before now, now included.
func LastDays(now time.Time, n int) Window {
	return WindowFromDaysBack(now, &n, Window{})
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.From.IsZero() && w.To.IsZero() }

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

func (w Window) String() string {
	return w.From.Format(DateLayout) + ".." + w.To.Format(DateLayout)
}

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
