// Package replay reconstructs past runs from metrics logs: record
// loading, the playback state machine, windowed views, snapshots and the
// compare mode.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/metric"
)

// ErrNoLogs is returned when the tmp directory holds no metrics shards.
var ErrNoLogs = errors.New("no metrics-*.log files found")

// LoadRecords reads the replay input: exactly one export file when
// configured, otherwise every shard log under the tmp path. Records come
// back sorted by elapsed time, insertion order preserved on ties.
func LoadRecords(cfg *config.Config) ([]metric.Record, error) {
	sources := 0
	for _, path := range []string{cfg.ExportCSV, cfg.ExportJSON, cfg.ExportJSONL} {
		if path != "" {
			sources++
		}
	}
	if sources > 1 {
		return nil, config.ErrExportConflict
	}

	var (
		records []metric.Record
		err     error
	)
	switch {
	case cfg.ExportCSV != "":
		records, err = ReadCSVRecords(cfg.ExportCSV)
	case cfg.ExportJSON != "":
		records, err = ReadJSONRecords(cfg.ExportJSON)
	case cfg.ExportJSONL != "":
		records, err = ReadJSONLRecords(cfg.ExportJSONL)
	default:
		records, err = readTmpRecords(cfg.TmpPath)
	}
	if err != nil {
		return nil, err
	}
	metric.SortRecords(records)
	return records, nil
}

func readTmpRecords(path string) ([]metric.Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat tmp path %s: %w", path, err)
	}
	if info.Mode().IsRegular() {
		return ReadCSVRecords(path)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tmp path %s is neither a file nor a directory", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read tmp directory %s: %w", path, err)
	}
	var records []metric.Record
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "metrics-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		found = true
		fileRecords, err := ReadCSVRecords(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		records = append(records, fileRecords...)
	}
	if !found {
		return nil, fmt.Errorf("%w under %s", ErrNoLogs, path)
	}
	return records, nil
}

// ReadCSVRecords parses CSV exports and raw shard logs. The header row is
// optional; malformed lines are skipped. Fields beyond the first five
// (shard logs carry bytes and in-flight columns) are ignored.
func ReadCSVRecords(path string) ([]metric.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file %s: %w", path, err)
	}
	defer file.Close()

	var records []metric.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	sawHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader && strings.HasPrefix(line, "elapsed_ms") {
			sawHeader = true
			continue
		}
		sawHeader = true
		record, ok := parseCSVLine(line)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay file %s: %w", path, err)
	}
	return records, nil
}

func parseCSVLine(line string) (metric.Record, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return metric.Record{}, false
	}
	elapsed, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return metric.Record{}, false
	}
	latency, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return metric.Record{}, false
	}
	status, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
	if err != nil {
		return metric.Record{}, false
	}
	record := metric.Record{
		ElapsedMs:  elapsed,
		LatencyMs:  latency,
		StatusCode: uint16(status),
	}
	if len(parts) > 3 {
		record.TimedOut = parseBoolField(parts[3])
	}
	if len(parts) > 4 {
		record.TransportError = parseBoolField(parts[4])
	}
	return record, true
}

func parseBoolField(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed == "1" || strings.EqualFold(trimmed, "true")
}

// ReadJSONRecords parses a JSON export payload.
func ReadJSONRecords(path string) ([]metric.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file %s: %w", path, err)
	}
	var payload struct {
		Records []metric.Record `json:"records"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse JSON replay file %s: %w", path, err)
	}
	return payload.Records, nil
}

// ReadJSONLRecords parses a JSONL export. Lines without a type field are
// records; summary lines are skipped.
func ReadJSONLRecords(path string) ([]metric.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file %s: %w", path, err)
	}
	defer file.Close()

	var records []metric.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed struct {
			Type           *string `json:"type"`
			ElapsedMs      *uint64 `json:"elapsed_ms"`
			LatencyMs      *uint64 `json:"latency_ms"`
			StatusCode     *uint16 `json:"status_code"`
			TimedOut       bool    `json:"timed_out"`
			TransportError bool    `json:"transport_error"`
		}
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			return nil, fmt.Errorf("parse JSONL replay file %s: %w", path, err)
		}
		if parsed.Type != nil && *parsed.Type != "record" {
			continue
		}
		if parsed.ElapsedMs == nil || parsed.LatencyMs == nil || parsed.StatusCode == nil {
			continue
		}
		records = append(records, metric.Record{
			ElapsedMs:      *parsed.ElapsedMs,
			LatencyMs:      *parsed.LatencyMs,
			StatusCode:     *parsed.StatusCode,
			TimedOut:       parsed.TimedOut,
			TransportError: parsed.TransportError,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay file %s: %w", path, err)
	}
	return records, nil
}
