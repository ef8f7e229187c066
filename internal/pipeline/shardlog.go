package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/log"
	"github.com/strest-io/strest/internal/metric"
	"github.com/strest-io/strest/internal/obs"
)

const logBufferSize = 256 * 1024

// LoggerConfig is the shard logger's slice of the run configuration.
type LoggerConfig struct {
	RunStart       time.Time
	Warmup         time.Duration
	ExpectedStatus uint16
	// MetricsMax bounds in-memory record collection; 0 disables it.
	MetricsMax   int
	MetricsRange *config.SecondsRange
	// DBPath enables the SQLite sink. Only shard 0 may set it.
	DBPath string
}

// LogResult is one shard's contribution to the run summary.
type LogResult struct {
	Records          []metric.Record
	Summary          metric.Summary
	MetricsTruncated bool

	LatencySum        metric.WideSum
	SuccessLatencySum metric.WideSum

	Histogram        *metric.LatencyHistogram
	SuccessHistogram *metric.LatencyHistogram
}

// RunShardLogger consumes one shard channel until EOF, appending a CSV
// line per metric and accumulating this shard's share of the summary.
// Metrics that start before the warmup boundary are dropped.
func RunShardLogger(path string, shard int, cfg LoggerConfig, ch <-chan metric.Metric) (LogResult, error) {
	result := LogResult{
		Histogram:        metric.NewLatencyHistogram(),
		SuccessHistogram: metric.NewLatencyHistogram(),
	}

	file, err := os.Create(path)
	if err != nil {
		return result, fmt.Errorf("create metrics log %s: %w", path, err)
	}
	defer file.Close()
	writer := bufio.NewWriterSize(file, logBufferSize)

	var db *sqliteSink
	if cfg.DBPath != "" {
		db, err = newSQLiteSink(cfg.DBPath)
		if err != nil {
			return result, fmt.Errorf("open sqlite sink: %w", err)
		}
		defer db.close()
	}

	warmupMs := uint64(cfg.Warmup.Milliseconds())
	collectRecords := cfg.MetricsMax > 0
	successHistogramOK := true
	shardLabel := strconv.Itoa(shard)

	var (
		line          []byte
		maxElapsedMs  uint64
		minLatency    = ^uint64(0)
		maxLatency    uint64
		successMin    = ^uint64(0)
		successMax    uint64
		lineCounter   uint64
	)

	for m := range ch {
		elapsed := m.Start.Sub(cfg.RunStart)
		if elapsed < 0 {
			elapsed = 0
		}
		elapsedMsRaw := uint64(elapsed.Milliseconds())
		if elapsedMsRaw < warmupMs {
			continue
		}
		elapsedMs := elapsedMsRaw - warmupMs
		latencyMs := m.LatencyMs()

		line = appendLogLine(line[:0], elapsedMs, latencyMs, m)
		if _, err := writer.Write(line); err != nil {
			return result, fmt.Errorf("write metrics log %s: %w", path, err)
		}

		result.Summary.TotalRequests++
		result.LatencySum.Add(latencyMs)
		if latencyMs < minLatency {
			minLatency = latencyMs
		}
		if latencyMs > maxLatency {
			maxLatency = latencyMs
		}
		if elapsedMs > maxElapsedMs {
			maxElapsedMs = elapsedMs
		}
		_ = result.Histogram.Record(latencyMs)

		if m.IsSuccess(cfg.ExpectedStatus) {
			result.Summary.SuccessfulRequests++
			result.SuccessLatencySum.Add(latencyMs)
			if latencyMs < successMin {
				successMin = latencyMs
			}
			if latencyMs > successMax {
				successMax = latencyMs
			}
			if successHistogramOK {
				if err := result.SuccessHistogram.Record(latencyMs); err != nil {
					log.GetLogger().WithError(err).Warn("success histogram disabled")
					result.SuccessHistogram = nil
					successHistogramOK = false
				}
			}
		}
		switch {
		case m.TimedOut:
			result.Summary.TimeoutRequests++
		case m.TransportError:
			result.Summary.TransportErrors++
		case m.StatusCode != cfg.ExpectedStatus:
			result.Summary.NonExpectedStatus++
		}

		if db != nil {
			if err := db.append(metric.Record{
				ElapsedMs:      elapsedMs,
				LatencyMs:      latencyMs,
				StatusCode:     m.StatusCode,
				TimedOut:       m.TimedOut,
				TransportError: m.TransportError,
			}); err != nil {
				return result, err
			}
		}

		if collectRecords {
			inRange := cfg.MetricsRange == nil || cfg.MetricsRange.Contains(elapsedMs/1000)
			if inRange {
				if len(result.Records) < cfg.MetricsMax {
					result.Records = append(result.Records, metric.Record{
						ElapsedMs:      elapsedMs,
						LatencyMs:      latencyMs,
						StatusCode:     m.StatusCode,
						TimedOut:       m.TimedOut,
						TransportError: m.TransportError,
						ResponseBytes:  m.ResponseBytes,
						InFlightOps:    m.InFlight,
					})
				} else {
					result.MetricsTruncated = true
				}
			}
		}

		lineCounter++
		if lineCounter%1024 == 0 {
			obs.SinkQueueDepth.WithLabelValues(shardLabel).Set(float64(len(ch)))
		}
	}

	if err := writer.Flush(); err != nil {
		return result, fmt.Errorf("flush metrics log %s: %w", path, err)
	}
	if db != nil {
		if err := db.flush(); err != nil {
			return result, err
		}
	}
	obs.SinkQueueDepth.WithLabelValues(shardLabel).Set(0)

	finalizeShardSummary(&result, maxElapsedMs, minLatency, maxLatency, successMin, successMax)
	return result, nil
}

// appendLogLine formats one record as seven comma-separated integers.
func appendLogLine(buf []byte, elapsedMs, latencyMs uint64, m metric.Metric) []byte {
	buf = strconv.AppendUint(buf, elapsedMs, 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, latencyMs, 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(m.StatusCode), 10)
	buf = append(buf, ',')
	buf = appendBool(buf, m.TimedOut)
	buf = append(buf, ',')
	buf = appendBool(buf, m.TransportError)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, m.ResponseBytes, 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, m.InFlight, 10)
	buf = append(buf, '\n')
	return buf
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, '1')
	}
	return append(buf, '0')
}

func finalizeShardSummary(result *LogResult, maxElapsedMs, minLatency, maxLatency, successMin, successMax uint64) {
	s := &result.Summary
	s.Duration = time.Duration(maxElapsedMs) * time.Millisecond
	s.ErrorRequests = s.TotalRequests - s.SuccessfulRequests
	if s.TotalRequests > 0 {
		s.MinLatencyMs = minLatency
		s.MaxLatencyMs = maxLatency
		s.AvgLatencyMs = result.LatencySum.DivUint64(s.TotalRequests)
	}
	if s.SuccessfulRequests > 0 {
		s.SuccessMinLatencyMs = successMin
		s.SuccessMaxLatencyMs = successMax
		s.SuccessAvgLatencyMs = result.SuccessLatencySum.DivUint64(s.SuccessfulRequests)
	}
}
