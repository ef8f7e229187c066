package metric

import "sort"

// NearestRank computes a percentile over the given samples with the
// nearest-rank rule idx = round(p*(n-1)/100), never interpolating between
// samples. The slice is sorted in place.
func NearestRank(values []uint64, p uint64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	count := uint64(len(values) - 1)
	idx := (p*count + 50) / 100
	if idx >= uint64(len(values)) {
		idx = uint64(len(values) - 1)
	}
	return values[idx]
}

// RecordPercentiles returns (p50, p90, p99) of the record latencies using
// the nearest-rank rule. Used as the fallback when no histogram samples
// exist.
func RecordPercentiles(records []Record) (p50, p90, p99 uint64) {
	if len(records) == 0 {
		return 0, 0, 0
	}
	values := make([]uint64, len(records))
	for i, record := range records {
		values[i] = record.LatencyMs
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	at := func(p uint64) uint64 {
		count := uint64(len(values) - 1)
		idx := (p*count + 50) / 100
		if idx >= uint64(len(values)) {
			idx = uint64(len(values) - 1)
		}
		return values[idx]
	}
	return at(50), at(90), at(99)
}
