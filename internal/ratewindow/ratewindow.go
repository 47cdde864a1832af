// Package ratewindow implements the sliding-window request-rate estimator
// (spec §3, §4.4, §8): two ring-shaped per-minute bucket counters, one per
// horizon, from which an hourly rate is derived with lazy eviction.
package ratewindow

import "time"

const bucketWidth = time.Minute

// window is a ring of per-minute counters covering horizon.
type window struct {
	horizon    time.Duration
	buckets    []uint64
	bucketTime []int64 // unix minute (seconds / 60) each bucket belongs to, plus one; 0 = empty
}

func newWindow(horizon time.Duration) *window {
	n := int(horizon / bucketWidth)
	if n < 1 {
		n = 1
	}
	return &window{
		horizon:    horizon,
		buckets:    make([]uint64, n),
		bucketTime: make([]int64, n),
	}
}

func bucketIndexAndSlot(horizonBuckets int, minute int64) int {
	return int(((minute % int64(horizonBuckets)) + int64(horizonBuckets)) % int64(horizonBuckets))
}

// evict discards any bucket whose minute has aged out of the horizon,
// relative to now. Must be called before every read or write.
func (w *window) evict(now time.Time) {
	n := len(w.buckets)
	nowMinute := now.Unix() / 60
	oldestAllowed := nowMinute - int64(n) + 1
	for i := range w.buckets {
		if w.bucketTime[i] != 0 && w.bucketTime[i]-1 < oldestAllowed {
			w.buckets[i] = 0
			w.bucketTime[i] = 0
		}
	}
}

func (w *window) record(now time.Time) {
	w.evict(now)
	n := len(w.buckets)
	minute := now.Unix() / 60
	idx := bucketIndexAndSlot(n, minute)
	// minuteKey distinguishes "bucket empty" (0) from minute 0; shift by one
	// so that a legitimate minute value of 0 never collides with "empty".
	key := minute + 1
	if w.bucketTime[idx] != key {
		w.bucketTime[idx] = key
		w.buckets[idx] = 0
	}
	w.buckets[idx]++
}

func (w *window) count(now time.Time) uint64 {
	w.evict(now)
	var total uint64
	for _, c := range w.buckets {
		total += c
	}
	return total
}

// Estimator holds the two request-rate windows (5-minute and 30-minute
// horizons) used by the controller's adaptive idle-wait computation.
type Estimator struct {
	short *window // 5m
	long  *window // 30m
}

// New creates an Estimator with the standard 5-minute and 30-minute
// horizons.
func New() *Estimator {
	return &Estimator{
		short: newWindow(5 * time.Minute),
		long:  newWindow(30 * time.Minute),
	}
}

// Record registers a single request arrival at now.
func (e *Estimator) Record(now time.Time) {
	e.short.record(now)
	e.long.record(now)
}

// RatePerHour returns the short-window (5m) and long-window (30m) rates,
// each expressed as requests/hour: count * (3600 / horizon_secs).
func (e *Estimator) RatePerHour(now time.Time) (shortRate, longRate float64) {
	shortRate = rateFor(e.short, now)
	longRate = rateFor(e.long, now)
	return
}

func rateFor(w *window, now time.Time) float64 {
	count := w.count(now)
	return float64(count) * (3600 / w.horizon.Seconds())
}
