package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/export"
	"github.com/strest-io/strest/internal/metric"
)

// SnapshotFormat selects the snapshot file encoding.
type SnapshotFormat int

const (
	SnapshotJSON SnapshotFormat = iota
	SnapshotJSONL
	SnapshotCSV
)

// ParseSnapshotFormat accepts json, jsonl/ndjson and csv.
func ParseSnapshotFormat(value string) (SnapshotFormat, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "json":
		return SnapshotJSON, nil
	case "jsonl", "ndjson":
		return SnapshotJSONL, nil
	case "csv":
		return SnapshotCSV, nil
	default:
		return SnapshotJSON, fmt.Errorf("invalid snapshot format %q (json, jsonl, csv)", value)
	}
}

func (f SnapshotFormat) extension() string {
	switch f {
	case SnapshotJSONL:
		return "jsonl"
	case SnapshotCSV:
		return "csv"
	default:
		return "json"
	}
}

// SnapshotOptions carries everything the writer needs besides the records.
type SnapshotOptions struct {
	ExpectedStatus uint16
	// OutPath is the --replay-snapshot-out value; empty means the default
	// snapshots directory.
	OutPath string
	Env     *envutil.Env
}

// WriteSnapshot persists one windowed slice. The slice is inclusive of
// both bounds for single snapshots and half-open for interval strides
// (halfOpen), so adjacent strides never duplicate a boundary record.
func WriteSnapshot(records []metric.Record, opts SnapshotOptions, format SnapshotFormat, startMs, endMs uint64, halfOpen bool) (string, error) {
	path, err := snapshotPath(opts, format, startMs, endMs)
	if err != nil {
		return "", err
	}
	var slice []metric.Record
	if halfOpen {
		slice = windowSliceHalfOpen(records, startMs, endMs)
	} else {
		slice = WindowSlice(records, startMs, endMs)
	}

	switch format {
	case SnapshotCSV:
		err = export.WriteCSV(path, slice)
	case SnapshotJSONL:
		summary := Summarize(slice, opts.ExpectedStatus, startMs, endMs)
		err = export.WriteJSONL(path, &summary.Summary, slice)
	default:
		summary := Summarize(slice, opts.ExpectedStatus, startMs, endMs)
		err = export.WriteJSON(path, &summary.Summary, slice)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func snapshotPath(opts SnapshotOptions, format SnapshotFormat, startMs, endMs uint64) (string, error) {
	stamp := opts.Env.Now().UnixMilli()
	name := fmt.Sprintf("snapshot-%dms-%dms-%d.%s", startMs, endMs, stamp, format.extension())

	base := opts.OutPath
	if base == "" {
		base = opts.Env.SnapshotsDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create snapshots directory %s: %w", base, err)
	}
	return filepath.Join(base, name), nil
}

// IntervalState steps through a snapshot window in fixed strides.
type IntervalState struct {
	intervalMs  uint64
	nextStartMs uint64
	endMs       uint64
}

// NewIntervalState validates the stride and positions it at the window
// start.
func NewIntervalState(interval time.Duration, startMs, endMs uint64) (*IntervalState, error) {
	intervalMs := uint64(interval.Milliseconds())
	if intervalMs == 0 {
		return nil, fmt.Errorf("snapshot interval must be at least 1ms")
	}
	return &IntervalState{intervalMs: intervalMs, nextStartMs: startMs, endMs: endMs}, nil
}

// Emit writes every full stride the cursor has passed; with finalize set
// it also writes one partial stride when the cursor sits past the last
// stride boundary. Returns the paths written this call.
func (s *IntervalState) Emit(records []metric.Record, opts SnapshotOptions, format SnapshotFormat, currentMs uint64, finalize bool) ([]string, error) {
	var written []string
	if currentMs > s.endMs {
		currentMs = s.endMs
	}
	if currentMs < s.nextStartMs {
		return nil, nil
	}

	for s.nextStartMs < s.endMs {
		nextEnd := s.nextStartMs + s.intervalMs
		if nextEnd > s.endMs {
			nextEnd = s.endMs
		}
		if currentMs >= nextEnd {
			path, err := WriteSnapshot(records, opts, format, s.nextStartMs, nextEnd, true)
			if err != nil {
				return written, err
			}
			written = append(written, path)
			s.nextStartMs = nextEnd
			continue
		}
		if finalize && currentMs > s.nextStartMs {
			path, err := WriteSnapshot(records, opts, format, s.nextStartMs, currentMs, true)
			if err != nil {
				return written, err
			}
			written = append(written, path)
			s.nextStartMs = currentMs
		}
		break
	}
	return written, nil
}

// ResolveSnapshotWindow turns the snapshot start/end flags into a concrete
// range clamped into the replay window.
func ResolveSnapshotWindow(startFlag, endFlag string, minMs, maxMs, replayStart, replayEnd uint64) (uint64, uint64, error) {
	start := replayStart
	end := replayEnd
	var err error
	if startFlag != "" {
		start, err = ResolveBound(startFlag, minMs, maxMs, BoundDefaultMin)
		if err != nil {
			return 0, 0, err
		}
	}
	if endFlag != "" {
		end, err = ResolveBound(endFlag, minMs, maxMs, BoundDefaultMax)
		if err != nil {
			return 0, 0, err
		}
	}
	start = clamp(start, replayStart, replayEnd)
	end = clamp(end, replayStart, replayEnd)
	if start > end {
		return 0, 0, fmt.Errorf("snapshot start %dms is after end %dms", start, end)
	}
	return start, end, nil
}
