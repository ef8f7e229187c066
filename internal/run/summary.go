package run

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/metric"
)

// Stats are derived ratios scaled by 100 so the output needs no floats.
type Stats struct {
	SuccessRateX100 uint64
	AvgRPSX100      uint64
	AvgRPMX100      uint64
}

// ComputeStats derives success rate and request rates from a summary.
func ComputeStats(summary *metric.Summary) Stats {
	durationMs := uint64(summary.Duration.Milliseconds())
	if durationMs == 0 {
		durationMs = 1
	}
	var stats Stats
	if summary.TotalRequests > 0 {
		stats.SuccessRateX100 = summary.SuccessfulRequests * 10_000 / summary.TotalRequests
		stats.AvgRPSX100 = summary.TotalRequests * 100_000 / durationMs
		stats.AvgRPMX100 = stats.AvgRPSX100 * 60
	}
	return stats
}

// PrintSummary renders the end-of-run summary table. Percentiles come
// from the histograms when they hold samples, falling back to sort-based
// percentiles over the collected records.
func PrintSummary(outcome *Outcome, cfg *config.Config) {
	summary := &outcome.Summary
	stats := ComputeStats(summary)

	p50, p90, p99 := percentilesFor(outcome.Histogram, outcome.Records)
	successRecords := successSubset(outcome.Records, cfg.ExpectedStatus)
	okP50, okP90, okP99 := percentilesFor(outcome.SuccessHistogram, successRecords)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Run Summary")
	if cfg.NoColor {
		t.SetStyle(table.StyleLight)
	} else {
		style := table.StyleLight
		style.Title.Colors = text.Colors{text.Bold}
		t.SetStyle(style)
	}
	t.AppendRows([]table.Row{
		{"Duration", fmt.Sprintf("%ds", int(summary.Duration.Seconds()))},
		{"Total Requests", summary.TotalRequests},
		{"Successful", fmt.Sprintf("%d (%d.%02d%%)",
			summary.SuccessfulRequests, stats.SuccessRateX100/100, stats.SuccessRateX100%100)},
		{"Errors", summary.ErrorRequests},
		{"Timeouts", summary.TimeoutRequests},
		{"Transport Errors", summary.TransportErrors},
		{"Unexpected Status", summary.NonExpectedStatus},
		{"Avg Latency", fmt.Sprintf("%dms", summary.AvgLatencyMs)},
		{"Min/Max Latency", fmt.Sprintf("%dms / %dms", summary.MinLatencyMs, summary.MaxLatencyMs)},
		{"P50/P90/P99", fmt.Sprintf("%dms / %dms / %dms", p50, p90, p99)},
		{"P50/P90/P99 (ok)", fmt.Sprintf("%dms / %dms / %dms", okP50, okP90, okP99)},
		{"Avg RPS", fmt.Sprintf("%d.%02d", stats.AvgRPSX100/100, stats.AvgRPSX100%100)},
		{"Avg RPM", fmt.Sprintf("%d.%02d", stats.AvgRPMX100/100, stats.AvgRPMX100%100)},
	})
	t.Render()
}

// percentilesFor prefers the histogram when it holds samples and falls
// back to nearest-rank percentiles over the records slice.
func percentilesFor(histogram *metric.LatencyHistogram, records []metric.Record) (uint64, uint64, uint64) {
	if histogram != nil && histogram.Count() > 0 {
		return histogram.Percentiles()
	}
	return metric.RecordPercentiles(records)
}

func successSubset(records []metric.Record, expectedStatus uint16) []metric.Record {
	var successes []metric.Record
	for _, record := range records {
		if !record.TimedOut && !record.TransportError && record.StatusCode == expectedStatus {
			successes = append(successes, record)
		}
	}
	return successes
}
