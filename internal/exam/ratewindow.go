package exam

import "time"

// RateWindow is a sliding-window counter used for audio-chunk admission
// control. It keeps at most limit arrival timestamps inside the trailing
// window, so memory stays bounded regardless of client behaviour.
//
// RateWindow is not safe for concurrent use; each session's event loop owns
// its own instance.
type RateWindow struct {
	window   time.Duration
	limit    int
	arrivals []time.Time
}

// NewRateWindow creates a window admitting at most limit arrivals per window
// duration. A non-positive limit disables the cap.
func NewRateWindow(limit int, window time.Duration) *RateWindow {
	return &RateWindow{
		window:   window,
		limit:    limit,
		arrivals: make([]time.Time, 0, limit),
	}
}

// Allow reports whether an arrival at now is within the rate cap, recording
// it if so. Rejected arrivals are not recorded: a burst does not extend its
// own penalty.
func (rw *RateWindow) Allow(now time.Time) bool {
	if rw.limit <= 0 {
		return true
	}
	cutoff := now.Add(-rw.window)
	kept := rw.arrivals[:0]
	for _, t := range rw.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rw.arrivals = kept

	if len(rw.arrivals) >= rw.limit {
		return false
	}
	rw.arrivals = append(rw.arrivals, now)
	return true
}

// Len returns the number of arrivals currently inside the window.
func (rw *RateWindow) Len() int {
	return len(rw.arrivals)
}
