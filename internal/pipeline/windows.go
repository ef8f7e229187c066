package pipeline

import (
	"time"

	"github.com/strest-io/strest/internal/metric"
)

// Windowed series live in ~100ms buckets where bucketing applies (rps,
// bytes); latency and status keep one point per sample.
const bucketWidth = 100 * time.Millisecond

type timePoint struct {
	ts    time.Time
	value uint64
}

type statusPoint struct {
	ts     time.Time
	bucket metric.StatusBucket
}

// pointWindow is a time-bounded series of samples. Invariant after prune:
// every point satisfies ts >= now - width.
type pointWindow struct {
	points []timePoint
}

func (w *pointWindow) push(ts time.Time, value uint64) {
	w.points = append(w.points, timePoint{ts: ts, value: value})
}

// pushBucketed accumulates into the trailing bucket when ts falls inside
// it, otherwise opens a new bucket.
func (w *pointWindow) pushBucketed(ts time.Time, value uint64) {
	if n := len(w.points); n > 0 && ts.Sub(w.points[n-1].ts) < bucketWidth {
		w.points[n-1].value += value
		return
	}
	w.points = append(w.points, timePoint{ts: ts, value: value})
}

func (w *pointWindow) prune(now time.Time, width time.Duration) {
	cutoff := now.Add(-width)
	idx := 0
	for idx < len(w.points) && w.points[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.points = append(w.points[:0], w.points[idx:]...)
	}
}

// sumSince totals the values of points within the trailing span.
func (w *pointWindow) sumSince(now time.Time, span time.Duration) uint64 {
	cutoff := now.Add(-span)
	var total uint64
	for i := len(w.points) - 1; i >= 0; i-- {
		if w.points[i].ts.Before(cutoff) {
			break
		}
		total += w.points[i].value
	}
	return total
}

func (w *pointWindow) values() []uint64 {
	out := make([]uint64, len(w.points))
	for i, p := range w.points {
		out[i] = p.value
	}
	return out
}

// series converts points into (msSinceStart, value) pairs for the UI.
func (w *pointWindow) series(start time.Time) [][2]uint64 {
	out := make([][2]uint64, len(w.points))
	for i, p := range w.points {
		ms := p.ts.Sub(start).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		out[i] = [2]uint64{uint64(ms), p.value}
	}
	return out
}

type statusWindow struct {
	points []statusPoint
}

func (w *statusWindow) push(ts time.Time, bucket metric.StatusBucket) {
	w.points = append(w.points, statusPoint{ts: ts, bucket: bucket})
}

func (w *statusWindow) prune(now time.Time, width time.Duration) {
	cutoff := now.Add(-width)
	idx := 0
	for idx < len(w.points) && w.points[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.points = append(w.points[:0], w.points[idx:]...)
	}
}

// StatusCounts is the status-class breakdown of the current UI window.
type StatusCounts struct {
	S2xx   uint64
	S3xx   uint64
	S4xx   uint64
	S5xx   uint64
	Other  uint64
}

func (w *statusWindow) counts() StatusCounts {
	var counts StatusCounts
	for _, p := range w.points {
		switch p.bucket {
		case metric.Status2xx:
			counts.S2xx++
		case metric.Status3xx:
			counts.S3xx++
		case metric.Status4xx:
			counts.S4xx++
		case metric.Status5xx:
			counts.S5xx++
		default:
			counts.Other++
		}
	}
	return counts
}
