// Package stats maintains per-token rolling mid-price windows and computes
// the first-difference z-score the shock detector consumes. The eviction
// strategy is adapted from strategy.FlowTracker's rolling fill window.
package stats

import (
	"math"
	"sync"
	"time"
)

// Tick is one observed mid price at a point in time.
type Tick struct {
	Timestamp time.Time
	Mid       float64
}

// Observation is the statistics computed after appending a tick.
type Observation struct {
	LastReturn float64 // latest first-difference
	Mean       float64 // mean of first-differences in the window
	StdDev     float64 // sample std dev of first-differences in the window
	ZScore     float64 // (LastReturn - Mean) / StdDev, 0 if degenerate
	Ready      bool    // false if fewer than minTicks ticks or StdDev == 0
}

const minTicks = 5

// Window is a bounded time-indexed sequence of mid-price ticks for one
// token, used to compute the rolling mean/stddev/z-score of first
// differences per §4.1.
type Window struct {
	mu       sync.Mutex
	duration time.Duration
	ticks    []Tick
}

// NewWindow creates a price window with the given rolling duration.
func NewWindow(duration time.Duration) *Window {
	return &Window{duration: duration, ticks: make([]Tick, 0, 64)}
}

// Observe appends a new mid-price tick, evicts entries older than the
// window start, and recomputes the rolling statistics.
func (w *Window) Observe(ts time.Time, mid float64) Observation {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ticks = append(w.ticks, Tick{Timestamp: ts, Mid: mid})
	w.evictStaleLocked(ts)

	return w.computeLocked()
}

func (w *Window) evictStaleLocked(now time.Time) {
	if len(w.ticks) == 0 {
		return
	}
	cutoff := now.Add(-w.duration)
	keep := 0
	for keep < len(w.ticks) && !w.ticks[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.ticks = w.ticks[keep:]
	}
}

// computeLocked derives first-differences from the current tick set and
// the z-score of the most recent one. Must be called with mu held.
func (w *Window) computeLocked() Observation {
	n := len(w.ticks)
	if n < minTicks {
		return Observation{}
	}

	diffs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		diffs = append(diffs, w.ticks[i].Mid-w.ticks[i-1].Mid)
	}

	mean := 0.0
	for _, d := range diffs {
		mean += d
	}
	mean /= float64(len(diffs))

	var sumSq float64
	for _, d := range diffs {
		delta := d - mean
		sumSq += delta * delta
	}
	variance := 0.0
	if len(diffs) > 1 {
		variance = sumSq / float64(len(diffs)-1)
	}
	std := math.Sqrt(variance)

	last := diffs[len(diffs)-1]
	if std == 0 {
		return Observation{LastReturn: last, Mean: mean, StdDev: 0, ZScore: 0, Ready: false}
	}

	return Observation{
		LastReturn: last,
		Mean:       mean,
		StdDev:     std,
		ZScore:     (last - mean) / std,
		Ready:      true,
	}
}

// Len reports the number of ticks currently retained (test/debug helper).
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ticks)
}

// Registry owns one Window per token, created lazily on first observation.
type Registry struct {
	mu       sync.Mutex
	duration time.Duration
	windows  map[string]*Window
}

// NewRegistry creates a per-token window registry with the given rolling
// duration (the configured rollingWindowMs); every window it creates uses
// that duration.
func NewRegistry(duration time.Duration) *Registry {
	return &Registry{duration: duration, windows: make(map[string]*Window)}
}

// Observe records a tick for tokenID, creating its window on first use.
func (r *Registry) Observe(tokenID string, ts time.Time, mid float64) Observation {
	r.mu.Lock()
	win, ok := r.windows[tokenID]
	if !ok {
		win = NewWindow(r.duration)
		r.windows[tokenID] = win
	}
	r.mu.Unlock()
	return win.Observe(ts, mid)
}
