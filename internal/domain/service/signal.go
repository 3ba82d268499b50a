package service

import (
	"context"

	"QuantLab/internal/domain/models"
)

// SignalProducer is the only contract the backtest core has with a strategy.
// Fit sees the train range only; Signal sees a trailing window ending at the
// current bar.
type SignalProducer interface {
	Name() string
	Fit(ctx context.Context, train []models.Bar) error
	Signal(ctx context.Context, symbol string, window []models.Bar) (models.Signal, error)
}

// RegimeScorer scores how favourable the current regime is, in [0,1].
type RegimeScorer interface {
	Score(ctx context.Context, symbol string, returns []float64) (models.Regime, error)
}
