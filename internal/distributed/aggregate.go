package distributed

import (
	"time"

	"github.com/strest-io/strest/internal/metric"
)

// AgentSnapshot is the controller's latest view of one agent: the last
// received wire summary plus its decoded histograms. Replaced by newer
// snapshots, discarded on agent timeout.
type AgentSnapshot struct {
	Summary          WireSummary
	Histogram        *metric.LatencyHistogram
	SuccessHistogram *metric.LatencyHistogram
}

// snapshotFromWire decodes a stream or report payload. An absent success
// histogram decodes to an empty one, never to a copy of the all-requests
// histogram.
func snapshotFromWire(summary WireSummary, histogramB64 string, successB64 *string) (*AgentSnapshot, error) {
	histogram, err := metric.DecodeHistogramBase64(histogramB64)
	if err != nil {
		return nil, err
	}
	success := ""
	if successB64 != nil {
		success = *successB64
	}
	successHistogram, err := metric.DecodeHistogramBase64(success)
	if err != nil {
		return nil, err
	}
	return &AgentSnapshot{
		Summary:          summary,
		Histogram:        histogram,
		SuccessHistogram: successHistogram,
	}, nil
}

// AggregateSnapshots merges per-agent snapshots into one combined
// summary: counters summed, min/max over agents that saw traffic,
// averages from the summed wide sums, histograms merged, duration the
// maximum across agents.
func AggregateSnapshots(snapshots map[string]*AgentSnapshot) (metric.Summary, *metric.LatencyHistogram, *metric.LatencyHistogram) {
	var (
		summary    metric.Summary
		latencySum metric.WideSum
		successSum metric.WideSum
		durationMs uint64
		minLatency = ^uint64(0)
		successMin = ^uint64(0)
		histogram  = metric.NewLatencyHistogram()
		successHst = metric.NewLatencyHistogram()
	)

	for _, snapshot := range snapshots {
		s := snapshot.Summary
		summary.TotalRequests += s.TotalRequests
		summary.SuccessfulRequests += s.SuccessfulRequests
		summary.ErrorRequests += s.ErrorRequests
		summary.TimeoutRequests += s.TimeoutRequests
		summary.TransportErrors += s.TransportErrors
		summary.NonExpectedStatus += s.NonExpectedStatus
		if s.DurationMs > durationMs {
			durationMs = s.DurationMs
		}
		if s.TotalRequests > 0 {
			if s.MinLatencyMs < minLatency {
				minLatency = s.MinLatencyMs
			}
			if s.MaxLatencyMs > summary.MaxLatencyMs {
				summary.MaxLatencyMs = s.MaxLatencyMs
			}
		}
		if s.SuccessfulRequests > 0 {
			if s.SuccessMinLatencyMs < successMin {
				successMin = s.SuccessMinLatencyMs
			}
			if s.SuccessMaxLatencyMs > summary.SuccessMaxLatencyMs {
				summary.SuccessMaxLatencyMs = s.SuccessMaxLatencyMs
			}
		}
		latencySum.AddSum(s.LatencySumMs)
		successSum.AddSum(s.SuccessLatencySumMs)
		histogram.Merge(snapshot.Histogram)
		successHst.Merge(snapshot.SuccessHistogram)
	}

	summary.Duration = time.Duration(durationMs) * time.Millisecond
	if summary.TotalRequests > 0 {
		summary.MinLatencyMs = minLatency
		summary.AvgLatencyMs = latencySum.DivUint64(summary.TotalRequests)
	}
	if summary.SuccessfulRequests > 0 {
		summary.SuccessMinLatencyMs = successMin
		summary.SuccessAvgLatencyMs = successSum.DivUint64(summary.SuccessfulRequests)
	}
	return summary, histogram, successHst
}
