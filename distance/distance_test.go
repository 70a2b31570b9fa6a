package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	large := make([]float32, 1027)
	for i := range large {
		large[i] = 1
	}

	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Large", large, large, 1027},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Unrolled", []float32{0, 0, 0, 0, 0}, []float32{1, 1, 1, 1, 1}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 1, Cosine([]float32{1, 0}, []float32{0, 3}), 1e-6)
	assert.InDelta(t, 2, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(1), Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestProvider(t *testing.T) {
	a, b := []float32{1, 2}, []float32{3, 4}

	fn, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.Equal(t, float32(8), fn(a, b))

	fn, err = Provider(MetricDot)
	require.NoError(t, err)
	assert.Equal(t, float32(-11), fn(a, b))

	fn, err = Provider(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1-11/(math.Sqrt(5)*5), fn(a, b), 1e-6)

	_, err = Provider(Metric(42))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for in, want := range map[string]Metric{"L2": MetricL2, "cosine": MetricCosine, " Dot ": MetricDot, "ip": MetricDot} {
		got, err := ParseMetric(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMetric("hamming")
	assert.Error(t, err)

	assert.Equal(t, "Cosine", MetricCosine.String())
	assert.True(t, MetricDot.Valid())
	assert.False(t, Metric(-1).Valid())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{1, 2}))
	assert.Error(t, Validate([]float32{1, float32(math.NaN())}))
	assert.Error(t, Validate([]float32{float32(math.Inf(-1))}))
}
