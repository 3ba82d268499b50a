// Package algo splits a parent quantity into child quantities over time
// (TWAP, VWAP) or across venues (smart order routing).
package algo

import (
	"fmt"
	"math"
	"sort"
)

// Algo names accepted by Schedule.
const (
	AlgoTWAP = "twap"
	AlgoVWAP = "vwap"
)

// TWAP splits total into n equal slices. n <= 0 or total <= 0 yields nil.
func TWAP(total float64, n int) []float64 {
	if n <= 0 || !(total > 0) || math.IsInf(total, 0) {
		return nil
	}
	out := make([]float64, n)
	each := total / float64(n)
	for i := range out {
		out[i] = each
	}
	fixSum(out, total)
	return out
}

// VWAP splits total proportionally to profile. Negative entries count as
// zero; a profile summing to zero falls back to equal weighting.
func VWAP(total float64, profile []float64) []float64 {
	if len(profile) == 0 || !(total > 0) || math.IsInf(total, 0) {
		return nil
	}
	sum := 0.0
	for _, v := range profile {
		if v > 0 && !math.IsInf(v, 0) {
			sum += v
		}
	}
	if sum <= 0 {
		return TWAP(total, len(profile))
	}
	out := make([]float64, len(profile))
	for i, v := range profile {
		if v > 0 && !math.IsInf(v, 0) {
			out[i] = total * v / sum
		}
	}
	fixSum(out, total)
	return out
}

// SplitAcrossVenues routes total proportionally to each venue's liquidity
// score, or equally when every score is zero.
func SplitAcrossVenues(total float64, scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return map[string]float64{}
	}
	venues := make([]string, 0, len(scores))
	profile := make([]float64, 0, len(scores))
	for v := range scores {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	for _, v := range venues {
		profile = append(profile, scores[v])
	}

	out := make(map[string]float64, len(venues))
	slices := VWAP(total, profile)
	for i, v := range venues {
		if slices == nil {
			out[v] = 0
			continue
		}
		out[v] = slices[i]
	}
	return out
}

// Schedule dispatches on algo name. profile is only used by VWAP; when it is
// shorter than n the missing buckets get zero weight.
func Schedule(algo string, total float64, n int, profile []float64) ([]float64, error) {
	switch algo {
	case AlgoTWAP, "":
		return TWAP(total, n), nil
	case AlgoVWAP:
		if n <= 0 {
			return nil, nil
		}
		p := make([]float64, n)
		copy(p, profile)
		return VWAP(total, p), nil
	}
	return nil, fmt.Errorf("unknown execution algo %q", algo)
}

// fixSum puts the floating-point remainder on the last non-zero slice so the
// slices add up to total.
func fixSum(out []float64, total float64) {
	sum := 0.0
	for _, v := range out {
		sum += v
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0 {
			out[i] += total - sum
			return
		}
	}
}
