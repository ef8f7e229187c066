package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strest-io/strest/internal/config"
	"github.com/strest-io/strest/internal/envutil"
	"github.com/strest-io/strest/internal/metric"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testEnv(dir string) *envutil.Env {
	return &envutil.Env{
		LookupEnv: func(key string) (string, bool) {
			if key == "HOME" {
				return dir, true
			}
			return "", false
		},
		PID: func() int { return 1 },
		Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}
}

const sampleCSV = `elapsed_ms,latency_ms,status_code,timed_out,transport_error
0,10,200,0,0
1000,20,200,0,0
2000,30,500,0,0
`

func TestReadCSVRecordsParsesHeaderAndValues(t *testing.T) {
	path := writeFile(t, "in.csv", sampleCSV)
	records, err := ReadCSVRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(1000), records[1].ElapsedMs)
	assert.Equal(t, uint16(500), records[2].StatusCode)
}

func TestReadCSVRecordsAcceptsShardLogLines(t *testing.T) {
	path := writeFile(t, "metrics-1-2-0.log", "0,10,200,0,0,128,3\n500,20,200,1,0,64,2\n")
	records, err := ReadCSVRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[1].TimedOut)
}

func TestReadJSONLRecordsTreatsTypelessLinesAsRecords(t *testing.T) {
	path := writeFile(t, "in.jsonl",
		`{"type":"summary","total_requests":2}
{"type":"record","elapsed_ms":0,"latency_ms":5,"status_code":200,"timed_out":false,"transport_error":false}
{"elapsed_ms":100,"latency_ms":7,"status_code":200,"timed_out":false,"transport_error":false}
`)
	records, err := ReadJSONLRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(100), records[1].ElapsedMs)
}

func TestLoadRecordsConcatenatesTmpShards(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metrics-9-1-0.log"), []byte("300,1,200,0,0,0,0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metrics-9-1-1.log"), []byte("100,2,200,0,0,0,0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	cfg := &config.Config{TmpPath: dir}
	records, err := LoadRecords(cfg)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(100), records[0].ElapsedMs, "records must come back sorted")
}

func TestLoadRecordsRejectsMultipleSources(t *testing.T) {
	cfg := &config.Config{ExportCSV: "a.csv", ExportJSON: "b.json"}
	_, err := LoadRecords(cfg)
	assert.ErrorIs(t, err, config.ErrExportConflict)
}

func TestLoadRecordsFailsWithoutShards(t *testing.T) {
	cfg := &config.Config{TmpPath: t.TempDir()}
	_, err := LoadRecords(cfg)
	assert.ErrorIs(t, err, ErrNoLogs)
}

func TestWindowSliceBounds(t *testing.T) {
	records := []metric.Record{
		{ElapsedMs: 0}, {ElapsedMs: 500}, {ElapsedMs: 1000}, {ElapsedMs: 1500}, {ElapsedMs: 2000},
	}
	slice := WindowSlice(records, 500, 1500)
	require.Len(t, slice, 3)
	assert.Equal(t, uint64(500), slice[0].ElapsedMs)
	assert.Equal(t, uint64(1500), slice[2].ElapsedMs)

	assert.Empty(t, WindowSlice(records, 2100, 3000))
	assert.Len(t, WindowSlice(records, 0, 5000), 5)

	half := windowSliceHalfOpen(records, 500, 1500)
	require.Len(t, half, 2)
	assert.Equal(t, uint64(1000), half[1].ElapsedMs)
}

// Scenario: CSV window 500ms..1500ms catches only the middle record.
func TestReplayWindowSummaryScenario(t *testing.T) {
	path := writeFile(t, "in.csv", sampleCSV)
	cfg := &config.Config{ExportCSV: path, ExpectedStatus: 200}
	records, err := LoadRecords(cfg)
	require.NoError(t, err)

	start, err := ResolveBound("500ms", 0, 2000, BoundDefaultMin)
	require.NoError(t, err)
	end, err := ResolveBound("1500ms", 0, 2000, BoundDefaultMax)
	require.NoError(t, err)

	slice := WindowSlice(records, start, end)
	summary := Summarize(slice, 200, start, end)
	assert.Equal(t, uint64(1), summary.Summary.TotalRequests)
	assert.Equal(t, uint64(1), summary.Summary.SuccessfulRequests)
	assert.Equal(t, uint64(20), summary.Summary.AvgLatencyMs)
}

func TestResolveBoundKeywordsAndClamping(t *testing.T) {
	got, err := ResolveBound("min", 100, 2000, BoundDefaultMax)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)

	got, err = ResolveBound("max", 100, 2000, BoundDefaultMin)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), got)

	got, err = ResolveBound("50ms", 100, 2000, BoundDefaultMin)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got, "below-range bound clamps up")

	got, err = ResolveBound("", 100, 2000, BoundDefaultMax)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), got)

	_, err = ResolveBound("three seconds", 0, 1, BoundDefaultMin)
	assert.Error(t, err)
}

// start <= cursor <= end must hold after every event and tick.
func TestPlaybackInvariantHoldsAcrossEvents(t *testing.T) {
	state := NewPlaybackState(1000, 5000)
	check := func(label string) {
		t.Helper()
		if state.CursorMs < state.StartMs || state.CursorMs > state.EndMs {
			t.Fatalf("%s violated invariant: start=%d cursor=%d end=%d",
				label, state.StartMs, state.CursorMs, state.EndMs)
		}
	}

	check("init")
	state.StepBack(2000)
	check("step back past start")
	assert.Equal(t, uint64(1000), state.CursorMs)
	assert.False(t, state.Playing)

	state.StepForward(10_000)
	check("step forward past end")
	assert.Equal(t, uint64(5000), state.CursorMs)

	state.Home()
	check("home")
	state.TogglePlay()
	assert.True(t, state.Playing)

	moved := state.Tick(2500*time.Millisecond, 1000)
	check("tick")
	assert.Equal(t, uint64(2000), moved, "tick advances by whole strides")
	assert.Equal(t, uint64(3000), state.CursorMs)

	state.Tick(10*time.Second, 1000)
	check("tick to end")
	assert.Equal(t, uint64(5000), state.CursorMs)
	assert.False(t, state.Playing, "reaching the end pauses")

	state.Rewind()
	check("rewind")
	assert.Equal(t, uint64(1000), state.CursorMs)
}

func TestTickIgnoredWhilePaused(t *testing.T) {
	state := NewPlaybackState(0, 1000)
	if moved := state.Tick(5*time.Second, 100); moved != 0 {
		t.Errorf("paused tick moved cursor by %d", moved)
	}
}

func TestSnapshotMarkersResolve(t *testing.T) {
	state := NewPlaybackState(0, 10_000)
	state.CursorMs = 4000

	var markers SnapshotMarkers
	start, end := markers.Resolve(&state, nil)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(4000), end)

	markers.MarkStart(6000)
	start, end = markers.Resolve(&state, nil)
	assert.Equal(t, uint64(4000), start, "inverted pins reorder")
	assert.Equal(t, uint64(6000), end)

	markers.MarkEnd(8000)
	start, end = markers.Resolve(&state, nil)
	assert.Equal(t, uint64(6000), start)
	assert.Equal(t, uint64(8000), end)

	markers.Clear()
	assert.Nil(t, markers.Start)
	assert.Nil(t, markers.End)
}

// Scenario: records every 100ms for 5s, 1s interval snapshots, json
// format: five files of ten records each.
func TestIntervalSnapshotsScenario(t *testing.T) {
	var records []metric.Record
	for ms := uint64(0); ms <= 5000; ms += 100 {
		records = append(records, metric.Record{ElapsedMs: ms, LatencyMs: 10, StatusCode: 200})
	}

	outDir := t.TempDir()
	opts := SnapshotOptions{
		ExpectedStatus: 200,
		OutPath:        outDir,
		Env:            testEnv(t.TempDir()),
	}
	interval, err := NewIntervalState(time.Second, 0, 5000)
	require.NoError(t, err)

	written, err := interval.Emit(records, opts, SnapshotJSON, 5000, true)
	require.NoError(t, err)
	require.Len(t, written, 5)

	for _, path := range written {
		recs, err := ReadJSONRecords(path)
		require.NoError(t, err)
		assert.Len(t, recs, 10, "snapshot %s", filepath.Base(path))
	}
}

func TestIntervalSnapshotsPartialFinalStride(t *testing.T) {
	var records []metric.Record
	for ms := uint64(0); ms <= 2500; ms += 100 {
		records = append(records, metric.Record{ElapsedMs: ms, LatencyMs: 10, StatusCode: 200})
	}
	opts := SnapshotOptions{ExpectedStatus: 200, OutPath: t.TempDir(), Env: testEnv(t.TempDir())}
	interval, err := NewIntervalState(time.Second, 0, 2500)
	require.NoError(t, err)

	written, err := interval.Emit(records, opts, SnapshotJSON, 2500, true)
	require.NoError(t, err)
	// Two full strides plus the final partial one.
	require.Len(t, written, 3)
	assert.True(t, strings.Contains(written[2], "snapshot-2000ms-2500ms-"))
}

func TestSnapshotFileNaming(t *testing.T) {
	records := []metric.Record{{ElapsedMs: 0, LatencyMs: 1, StatusCode: 200}}
	opts := SnapshotOptions{ExpectedStatus: 200, OutPath: t.TempDir(), Env: testEnv(t.TempDir())}
	path, err := WriteSnapshot(records, opts, SnapshotCSV, 0, 500, false)
	require.NoError(t, err)
	assert.Equal(t, "snapshot-0ms-500ms-1700000000000.csv", filepath.Base(path))
}

func TestSnapshotDefaultDirectoryUnderHome(t *testing.T) {
	home := t.TempDir()
	records := []metric.Record{{ElapsedMs: 0, LatencyMs: 1, StatusCode: 200}}
	opts := SnapshotOptions{ExpectedStatus: 200, Env: testEnv(home)}
	path, err := WriteSnapshot(records, opts, SnapshotJSON, 0, 100, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, filepath.Join(home, ".strest", "snapshots")),
		"path %s not under default snapshots dir", path)
}

func TestParseSnapshotFormat(t *testing.T) {
	for raw, want := range map[string]SnapshotFormat{
		"json": SnapshotJSON, "JSONL": SnapshotJSONL, "ndjson": SnapshotJSONL, "csv": SnapshotCSV,
	} {
		got, err := ParseSnapshotFormat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseSnapshotFormat("parquet")
	assert.Error(t, err)
}

func TestCompareClampsPerSideWindows(t *testing.T) {
	left := &CompareSide{
		Name:    "left",
		Records: []metric.Record{{ElapsedMs: 0, LatencyMs: 10, StatusCode: 200}, {ElapsedMs: 1000, LatencyMs: 20, StatusCode: 200}},
		MinMs:   0,
		MaxMs:   1000,
	}
	right := &CompareSide{
		Name:    "right",
		Records: []metric.Record{{ElapsedMs: 2000, LatencyMs: 50, StatusCode: 200}, {ElapsedMs: 4000, LatencyMs: 70, StatusCode: 200}},
		MinMs:   2000,
		MaxMs:   4000,
	}

	state := NewPlaybackState(0, 4000)
	state.CursorMs = 3000

	leftView := left.ViewAt(&state, 200)
	assert.Equal(t, uint64(1000), leftView.EndMs, "left window clamps to its own max")
	assert.Equal(t, uint64(2), leftView.Summary.Summary.TotalRequests)

	rightView := right.ViewAt(&state, 200)
	assert.Equal(t, uint64(2000), rightView.StartMs, "right window clamps to its own min")
	assert.Equal(t, uint64(1), rightView.Summary.Summary.TotalRequests)
}

func TestSummarizePercentilesMonotone(t *testing.T) {
	var records []metric.Record
	for i := uint64(1); i <= 200; i++ {
		records = append(records, metric.Record{ElapsedMs: i, LatencyMs: i, StatusCode: 200})
	}
	summary := Summarize(records, 200, 0, 200)
	assert.LessOrEqual(t, summary.All.P50, summary.All.P90)
	assert.LessOrEqual(t, summary.All.P90, summary.All.P99)
}

func TestRunHeadlessScenario(t *testing.T) {
	path := writeFile(t, "in.csv", sampleCSV)
	cfg := &config.Config{
		ExportCSV:            path,
		ExpectedStatus:       200,
		ReplayStart:          "500ms",
		ReplayEnd:            "1500ms",
		ReplaySnapshotFormat: "json",
	}
	require.NoError(t, RunHeadless(cfg, testEnv(t.TempDir())))
}

func TestRunHeadlessEmitsIntervalSnapshots(t *testing.T) {
	var lines []string
	lines = append(lines, "elapsed_ms,latency_ms,status_code,timed_out,transport_error")
	for ms := 0; ms <= 3000; ms += 100 {
		lines = append(lines, fmt.Sprintf("%d,10,200,0,0", ms))
	}
	path := writeFile(t, "in.csv", strings.Join(lines, "\n")+"\n")

	outDir := t.TempDir()
	cfg := &config.Config{
		ExportCSV:              path,
		ExpectedStatus:         200,
		ReplaySnapshotInterval: time.Second,
		ReplaySnapshotStart:    "min",
		ReplaySnapshotEnd:      "max",
		ReplaySnapshotFormat:   "json",
		ReplaySnapshotOut:      outDir,
	}
	require.NoError(t, RunHeadless(cfg, testEnv(t.TempDir())))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
