package algo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}

func TestTWAP(t *testing.T) {
	assert.Equal(t, []float64{20, 20, 20, 20, 20}, TWAP(100, 5))

	s := TWAP(100, 7)
	require.Len(t, s, 7)
	assert.InDelta(t, 100, sum(s), 1e-9)

	assert.Empty(t, TWAP(100, 0))
	assert.Empty(t, TWAP(0, 5))
	assert.Empty(t, TWAP(-3, 5))
}

func TestVWAP(t *testing.T) {
	got := VWAP(100, []float64{1, 2, 3, 4})
	require.Len(t, got, 4)
	for i, want := range []float64{10, 20, 30, 40} {
		assert.InDelta(t, want, got[i], 1e-9)
	}

	assert.Equal(t, []float64{25, 25, 25, 25}, VWAP(100, []float64{0, 0, 0, 0}))
	assert.Equal(t, []float64{0, 100}, VWAP(100, []float64{-5, 2}))
	assert.Empty(t, VWAP(100, nil))
}

func TestSplitAcrossVenues(t *testing.T) {
	got := SplitAcrossVenues(100, map[string]float64{"A": 1, "B": 3})
	assert.InDelta(t, 25, got["A"], 1e-9)
	assert.InDelta(t, 75, got["B"], 1e-9)

	eq := SplitAcrossVenues(90, map[string]float64{"A": 0, "B": 0, "C": 0})
	assert.InDelta(t, 30, eq["A"], 1e-9)
	assert.InDelta(t, 90, eq["A"]+eq["B"]+eq["C"], 1e-9)

	assert.Empty(t, SplitAcrossVenues(10, nil))
}

func TestSchedule(t *testing.T) {
	s, err := Schedule(AlgoVWAP, 10, 3, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 0}, s)

	s, err = Schedule(AlgoTWAP, 9, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3, 3}, s)

	_, err = Schedule("iceberg", 1, 1, nil)
	assert.Error(t, err)
}
