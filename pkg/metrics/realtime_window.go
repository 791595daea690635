package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateWindow counts events in one-second buckets over a sliding window.
type RateWindow struct {
	mu      sync.Mutex
	buckets []int64
	stamps  []int64 // unix second each bucket belongs to
	clock   clock.Clock
}

// NewRateWindow tracks the last size of time, rounded to whole seconds.
func NewRateWindow(size time.Duration, clk clock.Clock) *RateWindow {
	n := int(size / time.Second)
	if n < 1 {
		n = 1
	}
	return &RateWindow{
		buckets: make([]int64, n),
		stamps:  make([]int64, n),
		clock:   clk,
	}
}

func (w *RateWindow) Add(n int64) {
	sec := w.clock.Now().Unix()
	i := int(sec % int64(len(w.buckets)))

	w.mu.Lock()
	if w.stamps[i] != sec {
		w.stamps[i] = sec
		w.buckets[i] = 0
	}
	w.buckets[i] += n
	w.mu.Unlock()
}

// Sum returns the number of events inside the window.
func (w *RateWindow) Sum() int64 {
	now := w.clock.Now().Unix()
	oldest := now - int64(len(w.buckets)) + 1

	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for i, stamp := range w.stamps {
		if stamp >= oldest && stamp <= now {
			total += w.buckets[i]
		}
	}
	return total
}

// PerMinute scales the window sum to a per-minute rate.
func (w *RateWindow) PerMinute() float64 {
	return float64(w.Sum()) * 60 / float64(len(w.buckets))
}
