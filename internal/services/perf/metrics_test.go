package perf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegenerateInputsReturnZero(t *testing.T) {
	for name, f := range map[string]func() float64{
		"sharpe empty":     func() float64 { return Sharpe(nil, 252) },
		"sharpe one":       func() float64 { return Sharpe([]float64{0.1}, 252) },
		"sharpe flat":      func() float64 { return Sharpe([]float64{0.01, 0.01, 0.01}, 252) },
		"sortino no loss":  func() float64 { return Sortino([]float64{0.01, 0.02}, 252) },
		"maxdd empty":      func() float64 { return MaxDrawdown(nil) },
		"turnover empty":   func() float64 { return Turnover(nil, nil) },
		"winrate empty":    func() float64 { return WinRate(nil) },
		"total one point":  func() float64 { return TotalReturn([]float64{100}) },
		"sharpe nan":       func() float64 { return Sharpe([]float64{math.NaN(), math.NaN()}, 252) },
		"current dd empty": func() float64 { return CurrentDrawdown(nil) },
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 0.0, f())
		})
	}
}

func TestSharpeUsesSampleStd(t *testing.T) {
	r := []float64{0.01, -0.02, 0.03, 0.0}
	mean := 0.005
	ss := 0.0
	for _, x := range r {
		ss += (x - mean) * (x - mean)
	}
	want := mean / math.Sqrt(ss/3) * math.Sqrt(252)
	assert.InDelta(t, want, Sharpe(r, 252), 1e-12)
}

func TestSortino(t *testing.T) {
	r := []float64{0.02, -0.01, 0.03, -0.02}
	dd := math.Sqrt((0.01*0.01 + 0.02*0.02) / 3)
	assert.InDelta(t, Mean(r)/dd*math.Sqrt(252), Sortino(r, 252), 1e-12)
}

func TestMaxDrawdown(t *testing.T) {
	assert.InDelta(t, 95.0/102.0-1, MaxDrawdown([]float64{100, 102, 101, 95}), 1e-12)
	assert.InDelta(t, -0.5, MaxDrawdown([]float64{100, 50, 120, 110}), 1e-12)
	assert.Equal(t, 0.0, MaxDrawdown([]float64{1, 2, 3}))
}

func TestDrawdownBreached(t *testing.T) {
	eq := []float64{100, 102, 101, 95}
	assert.True(t, DrawdownBreached(eq, 0.05))
	assert.False(t, DrawdownBreached(eq, 0.07))
	assert.False(t, DrawdownBreached(eq, 0))
	assert.False(t, DrawdownBreached([]float64{100, 80, 100}, 0.05))
}

func TestTurnover(t *testing.T) {
	assert.InDelta(t, 1.5, Turnover([]float64{100, -50}, []float64{100, 100}), 1e-12)
}

func TestWinRateAndTotalReturn(t *testing.T) {
	assert.InDelta(t, 2.0/3.0, WinRate([]float64{1, -1, 2}), 1e-12)
	assert.InDelta(t, 0.1, TotalReturn([]float64{100, 90, 110}), 1e-12)
}

func TestReturns(t *testing.T) {
	assert.InDeltaSlice(t, []float64{0.1, 0}, Returns([]float64{100, 110, 110}), 1e-12)
	assert.Equal(t, []float64{0}, Returns([]float64{0, 10}))
}
