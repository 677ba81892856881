package stream

import "time"

// RateWindowSpan is the trailing window used for the frame-rate metric.
const RateWindowSpan = 1000 * time.Millisecond

// RateWindow counts arrivals in the half-open interval (now-span, now].
type RateWindow struct {
	span   time.Duration
	stamps []time.Time
}

// NewRateWindow creates a window of the given span.
func NewRateWindow(span time.Duration) *RateWindow {
	return &RateWindow{span: span}
}

// Add records an arrival and returns the count at that instant.
func (w *RateWindow) Add(at time.Time) int {
	w.stamps = append(w.stamps, at)
	return w.Count(at)
}

// Count prunes stamps that fell out of the window and returns the rest.
func (w *RateWindow) Count(now time.Time) int {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[drop:]...)
	}
	return len(w.stamps)
}
