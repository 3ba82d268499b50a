package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Bar is one OHLCV record for a symbol.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate performs the basic sanity checks the feed is expected to guarantee.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s %s: non-finite value", b.Symbol, b.Timestamp.Format(time.RFC3339))
		}
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s %s: ohlc out of range", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s %s: negative volume", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// RangeFraction is (high-low)/close, the bar-range volatility proxy.
func (b Bar) RangeFraction() float64 {
	if b.Close <= 0 || b.High < b.Low {
		return 0
	}
	return (b.High - b.Low) / b.Close
}

// BarBatch holds every bar sharing one timestamp. It is the payload of a
// BarData event.
type BarBatch struct {
	Timestamp time.Time `json:"timestamp"`
	Bars      []Bar     `json:"bars"`
}

// Bar returns the bar for symbol, if present.
func (b BarBatch) Bar(symbol string) (Bar, bool) {
	for _, bar := range b.Bars {
		if bar.Symbol == symbol {
			return bar, true
		}
	}
	return Bar{}, false
}

// Timeline is an immutable, time-ordered view over a multi-symbol bar set.
// Fold ranges index into Batches.
type Timeline struct {
	Batches []BarBatch
	index   map[string][]time.Time
}

// NewTimeline groups bars by timestamp. Bars per symbol must have strictly
// increasing timestamps.
func NewTimeline(bars []Bar) (*Timeline, error) {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	tl := &Timeline{index: make(map[string][]time.Time)}
	for _, b := range sorted {
		if ts := tl.index[b.Symbol]; len(ts) > 0 && !b.Timestamp.After(ts[len(ts)-1]) {
			return nil, fmt.Errorf("symbol %s: timestamps not strictly increasing at %s", b.Symbol, b.Timestamp.Format(time.RFC3339))
		}
		tl.index[b.Symbol] = append(tl.index[b.Symbol], b.Timestamp)

		n := len(tl.Batches)
		if n > 0 && tl.Batches[n-1].Timestamp.Equal(b.Timestamp) {
			tl.Batches[n-1].Bars = append(tl.Batches[n-1].Bars, b)
			continue
		}
		tl.Batches = append(tl.Batches, BarBatch{Timestamp: b.Timestamp, Bars: []Bar{b}})
	}
	return tl, nil
}

// Len is the number of distinct timestamps.
func (t *Timeline) Len() int { return len(t.Batches) }

// Symbols returns the symbols in sorted order.
func (t *Timeline) Symbols() []string {
	out := make([]string, 0, len(t.index))
	for s := range t.index {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Slice returns a new timeline restricted to r.
func (t *Timeline) Slice(r Range) *Timeline {
	start, end := r.Start, r.End
	if start < 0 {
		start = 0
	}
	if end > len(t.Batches) {
		end = len(t.Batches)
	}
	out := &Timeline{index: make(map[string][]time.Time)}
	if start >= end {
		return out
	}
	out.Batches = t.Batches[start:end:end]
	for _, batch := range out.Batches {
		for _, b := range batch.Bars {
			out.index[b.Symbol] = append(out.index[b.Symbol], b.Timestamp)
		}
	}
	return out
}

// Bars flattens the timeline back into bars.
func (t *Timeline) Bars() []Bar {
	var out []Bar
	for _, batch := range t.Batches {
		out = append(out, batch.Bars...)
	}
	return out
}

// BarsFor returns the bars of one symbol in time order.
func (t *Timeline) BarsFor(symbol string) []Bar {
	var out []Bar
	for _, batch := range t.Batches {
		if b, ok := batch.Bar(symbol); ok {
			out = append(out, b)
		}
	}
	return out
}

// Has reports whether symbol has a bar at ts.
func (t *Timeline) Has(symbol string, ts time.Time) bool {
	idx := t.index[symbol]
	i := sort.Search(len(idx), func(i int) bool { return !idx[i].Before(ts) })
	return i < len(idx) && idx[i].Equal(ts)
}

// NextAfter returns the first timestamp of symbol strictly after ts.
func (t *Timeline) NextAfter(symbol string, ts time.Time) (time.Time, bool) {
	next := t.NextN(symbol, ts, 1)
	if len(next) == 0 {
		return time.Time{}, false
	}
	return next[0], true
}

// NextN returns up to n timestamps of symbol strictly after ts.
func (t *Timeline) NextN(symbol string, ts time.Time, n int) []time.Time {
	idx := t.index[symbol]
	i := sort.Search(len(idx), func(i int) bool { return idx[i].After(ts) })
	if i >= len(idx) || n <= 0 {
		return nil
	}
	end := i + n
	if end > len(idx) {
		end = len(idx)
	}
	out := make([]time.Time, end-i)
	copy(out, idx[i:end])
	return out
}
