package features

import (
	"math"

	"QuantLab/internal/domain/models"
)

// Returns computes simple returns C_t/C_{t-1} - 1 over closes.
// It returns a slice of length len(bars)-1, or nil if insufficient data.
func Returns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, bars[i].Close/prev-1)
	}
	return out
}

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
func ComputeLogReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		cur := bars[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// TrailingStd is the sample (n-1) standard deviation of the last window
// values. Returns 0 when fewer than two values are available.
func TrailingStd(xs []float64, window int) float64 {
	if window <= 0 || window > len(xs) {
		window = len(xs)
	}
	if window < 2 {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for _, r := range xs[len(xs)-window:] {
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 || math.IsNaN(variance) {
		return 0
	}
	return math.Sqrt(variance)
}

// RealizedVolatility is TrailingStd annualized with barsPerYear.
func RealizedVolatility(returns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(returns) < window {
		return 0
	}
	return TrailingStd(returns, window) * math.Sqrt(barsPerYear)
}

// Pearson correlation of the overlapping tails of a and b. Returns 0 when
// either side is constant or fewer than three points overlap.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)

	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va <= 0 || vb <= 0 {
		return 0
	}
	c := cov / math.Sqrt(va*vb)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// AverageDollarVolume is the mean close*volume of the last window bars.
func AverageDollarVolume(bars []models.Bar, window int) float64 {
	if window <= 0 || window > len(bars) {
		window = len(bars)
	}
	if window == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars[len(bars)-window:] {
		sum += b.Close * b.Volume
	}
	return sum / float64(window)
}

// Tail returns the last n elements of xs (or all of them).
func Tail[T any](xs []T, n int) []T {
	if n <= 0 || n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}
