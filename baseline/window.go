package baseline

import "time"

type point struct {
	T time.Time `json:"t"`
	V float64   `json:"v"`
}

// Window is a time-and-size bounded sequence of observations for one
// (stream, field) pair. It is not safe for concurrent use; the owning pair
// lock serializes access.
type Window struct {
	span    time.Duration
	maxSize int
	points  []point
}

func newWindow(span time.Duration, maxSize int) *Window {
	return &Window{span: span, maxSize: maxSize}
}

// Append records an observation and evicts anything outside the time span,
// then anything over the size bound, oldest first.
func (w *Window) Append(ts time.Time, v float64) {
	w.points = append(w.points, point{T: ts, V: v})

	if w.span > 0 {
		cutoff := ts.Add(-w.span)
		drop := 0
		for drop < len(w.points) && w.points[drop].T.Before(cutoff) {
			drop++
		}
		if drop > 0 {
			w.points = w.points[drop:]
		}
	}
	if w.maxSize > 0 && len(w.points) > w.maxSize {
		w.points = w.points[len(w.points)-w.maxSize:]
	}
}

// Values copies the current observations in insertion order.
func (w *Window) Values() []float64 {
	out := make([]float64, len(w.points))
	for i, p := range w.points {
		out[i] = p.V
	}
	return out
}

// Count returns the number of live observations.
func (w *Window) Count() int {
	return len(w.points)
}

func (w *Window) reset() {
	w.points = w.points[:0]
}
