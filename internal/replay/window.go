package replay

import (
	"sort"

	"github.com/strest-io/strest/internal/metric"
)

// WindowSlice returns the records with startMs <= elapsed <= endMs by
// binary partition on the sorted slice; never a full scan.
func WindowSlice(records []metric.Record, startMs, endMs uint64) []metric.Record {
	lo := sort.Search(len(records), func(i int) bool {
		return records[i].ElapsedMs >= startMs
	})
	hi := sort.Search(len(records), func(i int) bool {
		return records[i].ElapsedMs > endMs
	})
	if lo > hi {
		return nil
	}
	return records[lo:hi]
}

// windowSliceHalfOpen returns records with startMs <= elapsed < endMs.
// Interval snapshots use it so adjacent strides never share a boundary
// record.
func windowSliceHalfOpen(records []metric.Record, startMs, endMs uint64) []metric.Record {
	if endMs == 0 {
		return nil
	}
	return WindowSlice(records, startMs, endMs-1)
}
