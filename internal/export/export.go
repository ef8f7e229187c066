// Package export writes run records and summaries in the supported
// interchange formats (CSV, JSON, JSONL).
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/strest-io/strest/internal/metric"
)

// CSVHeader is the leading row of a CSV export.
const CSVHeader = "elapsed_ms,latency_ms,status_code,timed_out,transport_error"

// summaryJSON is the wire shape of a summary in JSON/JSONL exports.
type summaryJSON struct {
	DurationMs          uint64 `json:"duration_ms"`
	TotalRequests       uint64 `json:"total_requests"`
	SuccessfulRequests  uint64 `json:"successful_requests"`
	ErrorRequests       uint64 `json:"error_requests"`
	TimeoutRequests     uint64 `json:"timeout_requests"`
	TransportErrors     uint64 `json:"transport_errors"`
	NonExpectedStatus   uint64 `json:"non_expected_status"`
	MinLatencyMs        uint64 `json:"min_latency_ms"`
	MaxLatencyMs        uint64 `json:"max_latency_ms"`
	AvgLatencyMs        uint64 `json:"avg_latency_ms"`
	SuccessMinLatencyMs uint64 `json:"success_min_latency_ms"`
	SuccessMaxLatencyMs uint64 `json:"success_max_latency_ms"`
	SuccessAvgLatencyMs uint64 `json:"success_avg_latency_ms"`
}

func toSummaryJSON(s *metric.Summary) summaryJSON {
	return summaryJSON{
		DurationMs:          uint64(s.Duration.Milliseconds()),
		TotalRequests:       s.TotalRequests,
		SuccessfulRequests:  s.SuccessfulRequests,
		ErrorRequests:       s.ErrorRequests,
		TimeoutRequests:     s.TimeoutRequests,
		TransportErrors:     s.TransportErrors,
		NonExpectedStatus:   s.NonExpectedStatus,
		MinLatencyMs:        s.MinLatencyMs,
		MaxLatencyMs:        s.MaxLatencyMs,
		AvgLatencyMs:        s.AvgLatencyMs,
		SuccessMinLatencyMs: s.SuccessMinLatencyMs,
		SuccessMaxLatencyMs: s.SuccessMaxLatencyMs,
		SuccessAvgLatencyMs: s.SuccessAvgLatencyMs,
	}
}

type recordJSON struct {
	Type           string `json:"type,omitempty"`
	ElapsedMs      uint64 `json:"elapsed_ms"`
	LatencyMs      uint64 `json:"latency_ms"`
	StatusCode     uint16 `json:"status_code"`
	TimedOut       bool   `json:"timed_out"`
	TransportError bool   `json:"transport_error"`
}

// WriteCSV writes the header row plus one five-field line per record.
func WriteCSV(path string, records []metric.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv export %s: %w", path, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if _, err := writer.WriteString(CSVHeader + "\n"); err != nil {
		return fmt.Errorf("write csv export %s: %w", path, err)
	}
	var line []byte
	for _, record := range records {
		line = line[:0]
		line = strconv.AppendUint(line, record.ElapsedMs, 10)
		line = append(line, ',')
		line = strconv.AppendUint(line, record.LatencyMs, 10)
		line = append(line, ',')
		line = strconv.AppendUint(line, uint64(record.StatusCode), 10)
		line = append(line, ',')
		line = appendBoolDigit(line, record.TimedOut)
		line = append(line, ',')
		line = appendBoolDigit(line, record.TransportError)
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write csv export %s: %w", path, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush csv export %s: %w", path, err)
	}
	return nil
}

// WriteJSON writes {"summary": ..., "records": [...]}.
func WriteJSON(path string, summary *metric.Summary, records []metric.Record) error {
	payload := struct {
		Summary summaryJSON  `json:"summary"`
		Records []recordJSON `json:"records"`
	}{
		Summary: toSummaryJSON(summary),
		Records: make([]recordJSON, len(records)),
	}
	for i, record := range records {
		payload.Records[i] = recordJSON{
			ElapsedMs:      record.ElapsedMs,
			LatencyMs:      record.LatencyMs,
			StatusCode:     record.StatusCode,
			TimedOut:       record.TimedOut,
			TransportError: record.TransportError,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write json export %s: %w", path, err)
	}
	return nil
}

// WriteJSONL writes one typed summary line followed by one typed line per
// record.
func WriteJSONL(path string, summary *metric.Summary, records []metric.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create jsonl export %s: %w", path, err)
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)

	summaryLine := struct {
		Type string `json:"type"`
		summaryJSON
	}{Type: "summary", summaryJSON: toSummaryJSON(summary)}
	if err := encoder.Encode(summaryLine); err != nil {
		return fmt.Errorf("write jsonl export %s: %w", path, err)
	}
	for _, record := range records {
		if err := encoder.Encode(recordJSON{
			Type:           "record",
			ElapsedMs:      record.ElapsedMs,
			LatencyMs:      record.LatencyMs,
			StatusCode:     record.StatusCode,
			TimedOut:       record.TimedOut,
			TransportError: record.TransportError,
		}); err != nil {
			return fmt.Errorf("write jsonl export %s: %w", path, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush jsonl export %s: %w", path, err)
	}
	return nil
}

func appendBoolDigit(buf []byte, v bool) []byte {
	if v {
		return append(buf, '1')
	}
	return append(buf, '0')
}
