package exam

import (
	"testing"
	"time"
)

func TestRateWindow_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rw := NewRateWindow(3, time.Second)
	now := time.Now()

	for i := range 3 {
		if !rw.Allow(now.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("arrival %d rejected below limit", i)
		}
	}
	if rw.Allow(now.Add(5 * time.Millisecond)) {
		t.Error("arrival above limit allowed")
	}
}

func TestRateWindow_SlidesWithTime(t *testing.T) {
	t.Parallel()

	rw := NewRateWindow(2, time.Second)
	now := time.Now()

	if !rw.Allow(now) || !rw.Allow(now.Add(100*time.Millisecond)) {
		t.Fatal("arrivals below limit rejected")
	}
	if rw.Allow(now.Add(200 * time.Millisecond)) {
		t.Fatal("third arrival within the window allowed")
	}

	// After the first arrival ages out, capacity returns.
	if !rw.Allow(now.Add(1100 * time.Millisecond)) {
		t.Error("arrival after window slid rejected")
	}
}

func TestRateWindow_RejectionNotRecorded(t *testing.T) {
	t.Parallel()

	rw := NewRateWindow(1, time.Second)
	now := time.Now()

	rw.Allow(now)
	for i := range 10 {
		rw.Allow(now.Add(time.Duration(i) * time.Millisecond))
	}
	// A rejected burst must not extend its own penalty.
	if rw.Len() != 1 {
		t.Errorf("Len = %d after rejected burst, want 1", rw.Len())
	}
	if !rw.Allow(now.Add(1100 * time.Millisecond)) {
		t.Error("arrival after window slid rejected")
	}
}

func TestRateWindow_ZeroLimitUnlimited(t *testing.T) {
	t.Parallel()

	rw := NewRateWindow(0, time.Second)
	now := time.Now()
	for i := range 100 {
		if !rw.Allow(now.Add(time.Duration(i) * time.Microsecond)) {
			t.Fatal("zero limit should never reject")
		}
	}
}
