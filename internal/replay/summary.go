package replay

import (
	"time"

	"github.com/strest-io/strest/internal/metric"
)

// Percentiles is a (p50, p90, p99) triple in milliseconds.
type Percentiles struct {
	P50 uint64
	P90 uint64
	P99 uint64
}

// WindowSummary is the digest of one replay window slice.
type WindowSummary struct {
	Summary            metric.Summary
	All                Percentiles
	Success            Percentiles
}

// Summarize computes the summary of a window slice. Percentiles are
// sort-based over the slice (replay input carries records, never live
// histogram state).
func Summarize(slice []metric.Record, expectedStatus uint16, startMs, endMs uint64) WindowSummary {
	var out WindowSummary
	s := &out.Summary
	s.Duration = time.Duration(endMs-startMs) * time.Millisecond

	var (
		latencySum metric.WideSum
		successSum metric.WideSum
		minLatency = ^uint64(0)
		successMin = ^uint64(0)
		successes  []metric.Record
	)
	for _, record := range slice {
		s.TotalRequests++
		latencySum.Add(record.LatencyMs)
		if record.LatencyMs < minLatency {
			minLatency = record.LatencyMs
		}
		if record.LatencyMs > s.MaxLatencyMs {
			s.MaxLatencyMs = record.LatencyMs
		}
		success := !record.TimedOut && !record.TransportError && record.StatusCode == expectedStatus
		if success {
			s.SuccessfulRequests++
			successSum.Add(record.LatencyMs)
			if record.LatencyMs < successMin {
				successMin = record.LatencyMs
			}
			if record.LatencyMs > s.SuccessMaxLatencyMs {
				s.SuccessMaxLatencyMs = record.LatencyMs
			}
			successes = append(successes, record)
		}
		switch {
		case record.TimedOut:
			s.TimeoutRequests++
		case record.TransportError:
			s.TransportErrors++
		case record.StatusCode != expectedStatus:
			s.NonExpectedStatus++
		}
	}

	s.ErrorRequests = s.TotalRequests - s.SuccessfulRequests
	if s.TotalRequests > 0 {
		s.MinLatencyMs = minLatency
		s.AvgLatencyMs = latencySum.DivUint64(s.TotalRequests)
	}
	if s.SuccessfulRequests > 0 {
		s.SuccessMinLatencyMs = successMin
		s.SuccessAvgLatencyMs = successSum.DivUint64(s.SuccessfulRequests)
	}

	out.All.P50, out.All.P90, out.All.P99 = metric.RecordPercentiles(slice)
	out.Success.P50, out.Success.P90, out.Success.P99 = metric.RecordPercentiles(successes)
	return out
}
