// Package perf holds the performance metrics used by fold reports. Every
// function accepts empty or short input and returns 0 instead of failing;
// non-finite samples are ignored.
package perf

import "math"

// Returns converts an equity curve into simple per-period returns.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev <= 0 || !finite(prev) || !finite(equity[i]) {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i]/prev-1)
	}
	return out
}

// Mean of the finite values.
func Mean(xs []float64) float64 {
	sum, n := 0.0, 0
	for _, x := range xs {
		if finite(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// SampleStd is the ddof=1 standard deviation of the finite values.
func SampleStd(xs []float64) float64 {
	m := Mean(xs)
	ss, n := 0.0, 0
	for _, x := range xs {
		if finite(x) {
			d := x - m
			ss += d * d
			n++
		}
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(ss / float64(n-1))
}

// Sharpe is mean/std annualized by sqrt(periodsPerYear), with zero risk-free
// rate.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	sd := SampleStd(returns)
	if sd <= 0 || periodsPerYear <= 0 {
		return 0
	}
	return safe(Mean(returns) / sd * math.Sqrt(periodsPerYear))
}

// Sortino is mean over downside deviation, annualized.
func Sortino(returns []float64, periodsPerYear float64) float64 {
	ss, n := 0.0, 0
	for _, r := range returns {
		if !finite(r) {
			continue
		}
		n++
		if r < 0 {
			ss += r * r
		}
	}
	if n < 2 || ss == 0 || periodsPerYear <= 0 {
		return 0
	}
	dd := math.Sqrt(ss / float64(n-1))
	return safe(Mean(returns) / dd * math.Sqrt(periodsPerYear))
}

// MaxDrawdown is min over t of equity_t/max(equity_<=t) - 1. It is <= 0.
func MaxDrawdown(equity []float64) float64 {
	peak := 0.0
	worst := 0.0
	for _, e := range equity {
		if !finite(e) {
			continue
		}
		if e > peak {
			peak = e
		}
		if peak <= 0 {
			continue
		}
		if dd := e/peak - 1; dd < worst {
			worst = dd
		}
	}
	return worst
}

// CurrentDrawdown is last/peak - 1.
func CurrentDrawdown(equity []float64) float64 {
	peak := 0.0
	last := 0.0
	for _, e := range equity {
		if !finite(e) {
			continue
		}
		if e > peak {
			peak = e
		}
		last = e
	}
	if peak <= 0 {
		return 0
	}
	return last/peak - 1
}

// DrawdownBreached reports whether the drawdown from the running peak
// exceeds threshold (a positive fraction, e.g. 0.05).
func DrawdownBreached(equity []float64, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return -CurrentDrawdown(equity) > threshold
}

// Turnover is the summed absolute position-value change divided by the
// average equity.
func Turnover(positionValueDeltas []float64, equity []float64) float64 {
	avg := Mean(equity)
	if avg <= 0 {
		return 0
	}
	sum := 0.0
	for _, d := range positionValueDeltas {
		if finite(d) {
			sum += math.Abs(d)
		}
	}
	return safe(sum / avg)
}

// WinRate is the fraction of strictly positive PnLs.
func WinRate(pnls []float64) float64 {
	wins, n := 0, 0
	for _, p := range pnls {
		if !finite(p) {
			continue
		}
		n++
		if p > 0 {
			wins++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(wins) / float64(n)
}

// TotalReturn is last/first - 1.
func TotalReturn(equity []float64) float64 {
	if len(equity) < 2 || equity[0] <= 0 {
		return 0
	}
	return safe(equity[len(equity)-1]/equity[0] - 1)
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func safe(x float64) float64 {
	if !finite(x) {
		return 0
	}
	return x
}
