package execution

import (
	"context"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/services/perf"
)

// Report summarizes one engine run.
type Report struct {
	TotalReturn float64
	Sharpe      float64
	Sortino     float64
	MaxDrawdown float64
	Turnover    float64
	WinRate     float64
	NumTrades   int
	FinalEquity float64
}

// Report finishes the run and computes its performance. The equity series
// starts at the initial cash so the first bar's PnL is counted.
func (e *Engine) Report(ctx context.Context, periodsPerYear float64) Report {
	e.Finish(ctx)

	e.mu.Lock()
	series := make([]float64, 0, len(e.equity)+1)
	series = append(series, e.cfg.InitialCash)
	for _, p := range e.equity {
		series = append(series, p.Equity)
	}
	deltas := append([]float64(nil), e.deltas...)
	pnls := make([]float64, 0, len(e.closed)+len(e.virtual))
	for _, t := range e.closed {
		pnls = append(pnls, t.PnL)
	}
	for _, t := range e.virtual {
		pnls = append(pnls, t.PnL)
	}
	numFills := len(e.fills)
	e.mu.Unlock()

	returns := perf.Returns(series)
	return Report{
		TotalReturn: perf.TotalReturn(series),
		Sharpe:      perf.Sharpe(returns, periodsPerYear),
		Sortino:     perf.Sortino(returns, periodsPerYear),
		MaxDrawdown: perf.MaxDrawdown(series),
		Turnover:    perf.Turnover(deltas, series[1:]),
		WinRate:     perf.WinRate(pnls),
		NumTrades:   numFills,
		FinalEquity: series[len(series)-1],
	}
}

// Metrics flattens the report under the standard metric names.
func (r Report) Metrics() map[string]float64 {
	return map[string]float64{
		models.MetricTotalReturn: r.TotalReturn,
		models.MetricSharpe:      r.Sharpe,
		models.MetricSortino:     r.Sortino,
		models.MetricMaxDrawdown: r.MaxDrawdown,
		models.MetricTurnover:    r.Turnover,
		models.MetricWinRate:     r.WinRate,
		models.MetricNumTrades:   float64(r.NumTrades),
		models.MetricFinalEquity: r.FinalEquity,
	}
}
