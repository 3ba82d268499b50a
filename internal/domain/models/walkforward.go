package models

import "time"

// Range is a half-open [Start, End) index range over a timeline.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns End-Start, never negative.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Fold is one train/test split.
type Fold struct {
	Index int   `json:"fold_index"`
	Train Range `json:"train_range"`
	Test  Range `json:"test_range"`
}

// Standard metric names produced by a fold run.
const (
	MetricTotalReturn = "total_return"
	MetricSharpe      = "sharpe"
	MetricSortino     = "sortino"
	MetricMaxDrawdown = "max_drawdown"
	MetricTurnover    = "turnover"
	MetricWinRate     = "win_rate"
	MetricNumTrades   = "num_trades"
	MetricFinalEquity = "final_equity"
)

// StandardMetrics lists every metric name a fold report carries.
var StandardMetrics = []string{
	MetricTotalReturn,
	MetricSharpe,
	MetricSortino,
	MetricMaxDrawdown,
	MetricTurnover,
	MetricWinRate,
	MetricNumTrades,
	MetricFinalEquity,
}

// FoldReport is the result of running one fold's test range.
type FoldReport struct {
	FoldIndex int                `json:"fold_index"`
	Train     Range              `json:"train_range"`
	Test      Range              `json:"test_range"`
	TestStart time.Time          `json:"test_start"`
	TestEnd   time.Time          `json:"test_end"`
	Metrics   map[string]float64 `json:"metrics"`
	Equity    []EquityPoint      `json:"-"`
	Fills     []Fill             `json:"-"`
	Error     string             `json:"error,omitempty"`
}

// WFReport aggregates fold reports.
type WFReport struct {
	RunID     string             `json:"run_id"`
	Folds     []FoldReport       `json:"folds"`
	Aggregate map[string]float64 `json:"aggregate"`
	Failed    int                `json:"failed"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}
