package models

import "time"

// Position is owned by the portfolio; Quantity is signed.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"average_entry_price"`
}

// ClosedTrade records a position reduction and its realized PnL.
type ClosedTrade struct {
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// EquityPoint is one mark-to-market result.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// PortfolioSnapshot is a read-only copy of the engine's portfolio state.
type PortfolioSnapshot struct {
	Timestamp     time.Time           `json:"timestamp"`
	Cash          float64             `json:"cash"`
	Equity        float64             `json:"equity"`
	Positions     map[string]Position `json:"positions"`
	LastClose     map[string]float64  `json:"last_close"`
	EquityHistory []EquityPoint       `json:"equity_history"`
}

// Weight returns the signed market value of symbol as a fraction of equity.
func (s PortfolioSnapshot) Weight(symbol string) float64 {
	if s.Equity <= 0 {
		return 0
	}
	p, ok := s.Positions[symbol]
	if !ok {
		return 0
	}
	return p.Quantity * s.LastClose[symbol] / s.Equity
}

// Weights returns Weight for every held symbol.
func (s PortfolioSnapshot) Weights() map[string]float64 {
	out := make(map[string]float64, len(s.Positions))
	for sym := range s.Positions {
		out[sym] = s.Weight(sym)
	}
	return out
}

// Equities returns the equity values without timestamps.
func (s PortfolioSnapshot) Equities() []float64 {
	out := make([]float64, len(s.EquityHistory))
	for i, p := range s.EquityHistory {
		out[i] = p.Equity
	}
	return out
}
