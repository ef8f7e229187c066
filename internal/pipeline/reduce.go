package pipeline

import (
	"github.com/strest-io/strest/internal/metric"
)

// MergeLogResults folds per-shard logger results into a single run-level
// result: counters are summed, min/max combined over shards that saw
// traffic, histograms merged, and the duration is the largest elapsed time
// any shard observed.
func MergeLogResults(results []LogResult, metricsMax int) LogResult {
	merged := LogResult{
		Histogram:        metric.NewLatencyHistogram(),
		SuccessHistogram: metric.NewLatencyHistogram(),
	}
	minLatency := ^uint64(0)
	successMin := ^uint64(0)
	successHistogramOK := true

	for _, result := range results {
		s := result.Summary
		merged.Summary.TotalRequests += s.TotalRequests
		merged.Summary.SuccessfulRequests += s.SuccessfulRequests
		merged.Summary.TimeoutRequests += s.TimeoutRequests
		merged.Summary.TransportErrors += s.TransportErrors
		merged.Summary.NonExpectedStatus += s.NonExpectedStatus
		if s.Duration > merged.Summary.Duration {
			merged.Summary.Duration = s.Duration
		}
		if s.TotalRequests > 0 {
			if s.MinLatencyMs < minLatency {
				minLatency = s.MinLatencyMs
			}
			if s.MaxLatencyMs > merged.Summary.MaxLatencyMs {
				merged.Summary.MaxLatencyMs = s.MaxLatencyMs
			}
		}
		if s.SuccessfulRequests > 0 {
			if s.SuccessMinLatencyMs < successMin {
				successMin = s.SuccessMinLatencyMs
			}
			if s.SuccessMaxLatencyMs > merged.Summary.SuccessMaxLatencyMs {
				merged.Summary.SuccessMaxLatencyMs = s.SuccessMaxLatencyMs
			}
		}

		merged.LatencySum.AddSum(result.LatencySum)
		merged.SuccessLatencySum.AddSum(result.SuccessLatencySum)
		merged.Histogram.Merge(result.Histogram)
		if result.SuccessHistogram == nil {
			successHistogramOK = false
		} else if successHistogramOK {
			merged.SuccessHistogram.Merge(result.SuccessHistogram)
		}

		merged.Records = append(merged.Records, result.Records...)
		if result.MetricsTruncated {
			merged.MetricsTruncated = true
		}
	}

	if !successHistogramOK {
		merged.SuccessHistogram = nil
	}

	metric.SortRecords(merged.Records)
	if metricsMax > 0 && len(merged.Records) > metricsMax {
		merged.Records = merged.Records[:metricsMax]
		merged.MetricsTruncated = true
	}

	s := &merged.Summary
	s.ErrorRequests = s.TotalRequests - s.SuccessfulRequests
	if s.TotalRequests > 0 {
		s.MinLatencyMs = minLatency
		s.AvgLatencyMs = merged.LatencySum.DivUint64(s.TotalRequests)
	}
	if s.SuccessfulRequests > 0 {
		s.SuccessMinLatencyMs = successMin
		s.SuccessAvgLatencyMs = merged.SuccessLatencySum.DivUint64(s.SuccessfulRequests)
	}
	return merged
}
