package metric

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency histogram range: 1ms to one hour, three significant figures.
const (
	histogramMinMs   = 1
	histogramMaxMs   = 3_600_000
	histogramSigFigs = 3
)

// LatencyHistogram is a fixed-range high-dynamic-range latency histogram.
// Single-writer; the owning task records, everyone else sees merged copies.
type LatencyHistogram struct {
	h *hdrhistogram.Histogram
}

// NewLatencyHistogram creates an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{h: hdrhistogram.New(histogramMinMs, histogramMaxMs, histogramSigFigs)}
}

// Record adds one latency sample in milliseconds. Samples outside the
// trackable range are clamped to its edges before recording.
func (l *LatencyHistogram) Record(ms uint64) error {
	v := int64(ms)
	if ms > histogramMaxMs {
		v = histogramMaxMs
	}
	if v < histogramMinMs {
		v = histogramMinMs
	}
	if err := l.h.RecordValue(v); err != nil {
		return fmt.Errorf("record latency %dms: %w", ms, err)
	}
	return nil
}

// Count returns the number of recorded samples.
func (l *LatencyHistogram) Count() uint64 {
	total := l.h.TotalCount()
	if total < 0 {
		return 0
	}
	return uint64(total)
}

// Percentiles returns (p50, p90, p99) in milliseconds, or zeros when empty.
func (l *LatencyHistogram) Percentiles() (p50, p90, p99 uint64) {
	if l.h.TotalCount() == 0 {
		return 0, 0, 0
	}
	return clampNonNegative(l.h.ValueAtQuantile(50)),
		clampNonNegative(l.h.ValueAtQuantile(90)),
		clampNonNegative(l.h.ValueAtQuantile(99))
}

// Merge folds another histogram into this one.
func (l *LatencyHistogram) Merge(other *LatencyHistogram) {
	if other == nil {
		return
	}
	l.h.Merge(other.h)
}

// wireSnapshot is the JSON shape carried inside the base64 transport form.
type wireSnapshot struct {
	LowestTrackableValue  int64   `json:"lo"`
	HighestTrackableValue int64   `json:"hi"`
	SignificantFigures    int64   `json:"sf"`
	Counts                []int64 `json:"counts"`
}

// EncodeBase64 serializes the histogram for wire transport.
func (l *LatencyHistogram) EncodeBase64() (string, error) {
	snapshot := l.h.Export()
	payload, err := json.Marshal(wireSnapshot{
		LowestTrackableValue:  snapshot.LowestTrackableValue,
		HighestTrackableValue: snapshot.HighestTrackableValue,
		SignificantFigures:    snapshot.SignificantFigures,
		Counts:                snapshot.Counts,
	})
	if err != nil {
		return "", fmt.Errorf("encode histogram: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeHistogramBase64 rebuilds a histogram from its wire form. An empty
// string decodes to an empty histogram; older peers omit the success
// histogram entirely.
func DecodeHistogramBase64(encoded string) (*LatencyHistogram, error) {
	if encoded == "" {
		return NewLatencyHistogram(), nil
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode histogram base64: %w", err)
	}
	var snapshot wireSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode histogram payload: %w", err)
	}
	h := hdrhistogram.Import(&hdrhistogram.Snapshot{
		LowestTrackableValue:  snapshot.LowestTrackableValue,
		HighestTrackableValue: snapshot.HighestTrackableValue,
		SignificantFigures:    snapshot.SignificantFigures,
		Counts:                snapshot.Counts,
	})
	return &LatencyHistogram{h: h}, nil
}

func clampNonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
