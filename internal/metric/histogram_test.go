package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentilesAreMonotone(t *testing.T) {
	h := NewLatencyHistogram()
	for ms := uint64(1); ms <= 1000; ms++ {
		require.NoError(t, h.Record(ms))
	}
	p50, p90, p99 := h.Percentiles()
	assert.LessOrEqual(t, p50, p90)
	assert.LessOrEqual(t, p90, p99)
	assert.InDelta(t, 500, float64(p50), 5)
	assert.InDelta(t, 900, float64(p90), 9)
	assert.InDelta(t, 990, float64(p99), 10)
}

func TestEmptyHistogramPercentilesAreZero(t *testing.T) {
	h := NewLatencyHistogram()
	p50, p90, p99 := h.Percentiles()
	assert.Zero(t, p50)
	assert.Zero(t, p90)
	assert.Zero(t, p99)
	assert.Zero(t, h.Count())
}

func TestRecordClampsOutOfRangeSamples(t *testing.T) {
	h := NewLatencyHistogram()
	require.NoError(t, h.Record(0))
	require.NoError(t, h.Record(10_000_000))
	assert.Equal(t, uint64(2), h.Count())
}

// Merging two histograms then taking percentiles must agree with the
// percentiles of the union of their samples, within bucket precision.
func TestMergeEqualsUnion(t *testing.T) {
	left := NewLatencyHistogram()
	right := NewLatencyHistogram()
	union := NewLatencyHistogram()
	for ms := uint64(1); ms <= 500; ms++ {
		require.NoError(t, left.Record(ms))
		require.NoError(t, union.Record(ms))
	}
	for ms := uint64(501); ms <= 2000; ms++ {
		require.NoError(t, right.Record(ms))
		require.NoError(t, union.Record(ms))
	}

	left.Merge(right)
	require.Equal(t, union.Count(), left.Count())

	mp50, mp90, mp99 := left.Percentiles()
	up50, up90, up99 := union.Percentiles()
	assert.Equal(t, up50, mp50)
	assert.Equal(t, up90, mp90)
	assert.Equal(t, up99, mp99)
}

func TestBase64RoundTrip(t *testing.T) {
	h := NewLatencyHistogram()
	for _, ms := range []uint64{5, 12, 12, 700, 4500} {
		require.NoError(t, h.Record(ms))
	}
	encoded, err := h.EncodeBase64()
	require.NoError(t, err)

	decoded, err := DecodeHistogramBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, h.Count(), decoded.Count())

	p50, p90, p99 := h.Percentiles()
	d50, d90, d99 := decoded.Percentiles()
	assert.Equal(t, p50, d50)
	assert.Equal(t, p90, d90)
	assert.Equal(t, p99, d99)
}

func TestDecodeEmptyStringYieldsEmptyHistogram(t *testing.T) {
	h, err := DecodeHistogramBase64("")
	require.NoError(t, err)
	assert.Zero(t, h.Count())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeHistogramBase64("not base64 at all!!!")
	assert.Error(t, err)
}
