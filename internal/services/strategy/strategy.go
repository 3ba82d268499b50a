// Package strategy holds the bundled signal producers.
package strategy

import (
	"fmt"
	"sync"

	"QuantLab/internal/domain/models"
	domsvc "QuantLab/internal/domain/service"
	"QuantLab/internal/services/features"
)

const (
	NameMomentum      = "momentum"
	NameMeanReversion = "meanrev"
)

type Config struct {
	Name      string
	Lookback  int
	Threshold float64
}

func (c Config) Validate() error {
	if c.Lookback < 2 {
		return fmt.Errorf("%w: strategy lookback must be >= 2, got %d", models.ErrInvalidConfig, c.Lookback)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("%w: strategy threshold must be >= 0", models.ErrInvalidConfig)
	}
	return nil
}

// New builds a fresh, untrained producer. Each fold needs its own.
func New(cfg Config) (domsvc.SignalProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Name {
	case NameMomentum, "":
		return NewMomentum(cfg.Lookback, cfg.Threshold), nil
	case NameMeanReversion:
		return NewMeanReversion(cfg.Lookback, cfg.Threshold), nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", models.ErrInvalidConfig, cfg.Name)
}

// volScale keeps per-symbol return volatility learned on the train range.
// Confidence is the signal strength measured in those units.
type volScale struct {
	mu  sync.RWMutex
	vol map[string]float64
}

func (v *volScale) fit(train []models.Bar) {
	bySymbol := map[string][]models.Bar{}
	for _, b := range train {
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
	}
	vol := make(map[string]float64, len(bySymbol))
	for sym, bars := range bySymbol {
		vol[sym] = features.TrailingStd(features.Returns(bars), 0)
	}
	v.mu.Lock()
	v.vol = vol
	v.mu.Unlock()
}

func (v *volScale) get(symbol string) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.vol[symbol]
	return s, ok && s > 0
}

func confidence(strength, scale float64) float64 {
	if scale <= 0 {
		return 1
	}
	c := strength / scale
	if c > 1 {
		return 1
	}
	return c
}
