package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/strest-io/strest/internal/metric"
)

// CompareSide is one record set in compare mode, with its own bounds.
type CompareSide struct {
	Name    string
	Records []metric.Record
	MinMs   uint64
	MaxMs   uint64
}

// LoadCompareSide reads one side's records; the format follows the file
// extension (csv, json, jsonl).
func LoadCompareSide(path string) (*CompareSide, error) {
	var (
		records []metric.Record
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		records, err = ReadJSONRecords(path)
	case ".jsonl", ".ndjson":
		records, err = ReadJSONLRecords(path)
	default:
		records, err = ReadCSVRecords(path)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("compare input %s contains no records", path)
	}
	metric.SortRecords(records)
	return &CompareSide{
		Name:    filepath.Base(path),
		Records: records,
		MinMs:   records[0].ElapsedMs,
		MaxMs:   records[len(records)-1].ElapsedMs,
	}, nil
}

// SideView is one side's windowed digest at the shared cursor.
type SideView struct {
	Summary WindowSummary
	StartMs uint64
	EndMs   uint64
}

// ViewAt computes the side's summary-so-far slice for the shared cursor,
// clamping the window into this side's own bounds. Compare percentiles
// are always recomputed sort-based from the slice: exported inputs carry
// records, not histogram state, so a histogram path would silently switch
// precision depending on the input kind.
func (s *CompareSide) ViewAt(state *PlaybackState, expectedStatus uint16) SideView {
	start := clamp(state.StartMs, s.MinMs, s.MaxMs)
	end := clamp(state.CursorMs, s.MinMs, s.MaxMs)
	if start > end {
		start = end
	}
	slice := WindowSlice(s.Records, start, end)
	return SideView{
		Summary: Summarize(slice, expectedStatus, start, end),
		StartMs: start,
		EndMs:   end,
	}
}

// RunCompare drives the headless compare mode: both sides share one
// playback state positioned at the union end, and their summaries print
// side by side.
func RunCompare(leftPath, rightPath string, expectedStatus uint16) error {
	left, err := LoadCompareSide(leftPath)
	if err != nil {
		return err
	}
	right, err := LoadCompareSide(rightPath)
	if err != nil {
		return err
	}

	start := left.MinMs
	if right.MinMs < start {
		start = right.MinMs
	}
	end := left.MaxMs
	if right.MaxMs > end {
		end = right.MaxMs
	}
	state := NewPlaybackState(start, end)
	state.End()

	leftView := left.ViewAt(&state, expectedStatus)
	rightView := right.ViewAt(&state, expectedStatus)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"", left.Name, right.Name})
	t.AppendRows([]table.Row{
		{"Window", windowLabel(leftView), windowLabel(rightView)},
		{"Total", leftView.Summary.Summary.TotalRequests, rightView.Summary.Summary.TotalRequests},
		{"Successful", leftView.Summary.Summary.SuccessfulRequests, rightView.Summary.Summary.SuccessfulRequests},
		{"Errors", leftView.Summary.Summary.ErrorRequests, rightView.Summary.Summary.ErrorRequests},
		{"Avg Latency (ms)", leftView.Summary.Summary.AvgLatencyMs, rightView.Summary.Summary.AvgLatencyMs},
		{"P50 (ms)", leftView.Summary.All.P50, rightView.Summary.All.P50},
		{"P90 (ms)", leftView.Summary.All.P90, rightView.Summary.All.P90},
		{"P99 (ms)", leftView.Summary.All.P99, rightView.Summary.All.P99},
	})
	t.Render()
	return nil
}

func windowLabel(view SideView) string {
	return fmt.Sprintf("%dms..%dms", view.StartMs, view.EndMs)
}
