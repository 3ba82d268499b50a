package risk

import (
	"fmt"

	"QuantLab/internal/domain/models"
)

// Config holds every risk limit. Fractions are of portfolio equity.
type Config struct {
	VolTargetAnnual       float64
	VolWindow             int
	VolEpsilon            float64
	MaxWeight             float64
	MaxDrawdown           float64
	MaxAllocationPerAsset float64
	SectorCaps            map[string]float64
	MaxCorrelation        float64
	CorrelationWindow     int
	RegimeThreshold       float64
	MinConfidence         float64
	MinADVFraction        float64
	PeriodsPerYear        float64
}

// DefaultConfig returns conservative limits for daily bars.
func DefaultConfig() Config {
	return Config{
		VolTargetAnnual:       0.15,
		VolWindow:             20,
		VolEpsilon:            1e-8,
		MaxWeight:             1.0,
		MaxDrawdown:           0.20,
		MaxAllocationPerAsset: 0.25,
		SectorCaps:            map[string]float64{},
		MaxCorrelation:        0.90,
		CorrelationWindow:     60,
		PeriodsPerYear:        252,
	}
}

// Validate rejects contradictory limits.
func (c Config) Validate() error {
	switch {
	case c.MaxAllocationPerAsset <= 0:
		return fmt.Errorf("%w: max_allocation_per_asset must be > 0", models.ErrInvalidConfig)
	case c.VolTargetAnnual < 0:
		return fmt.Errorf("%w: vol_target_annual must be >= 0", models.ErrInvalidConfig)
	case c.VolWindow < 2:
		return fmt.Errorf("%w: vol_window must be >= 2", models.ErrInvalidConfig)
	case c.MaxWeight < 0:
		return fmt.Errorf("%w: max_weight must be >= 0", models.ErrInvalidConfig)
	case c.MaxDrawdown < 0 || c.MaxDrawdown >= 1:
		return fmt.Errorf("%w: max_drawdown must be in [0,1)", models.ErrInvalidConfig)
	case c.MaxCorrelation < 0 || c.MaxCorrelation > 1:
		return fmt.Errorf("%w: max_correlation must be in [0,1]", models.ErrInvalidConfig)
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return fmt.Errorf("%w: min_confidence must be in [0,1]", models.ErrInvalidConfig)
	case c.PeriodsPerYear <= 0:
		return fmt.Errorf("%w: periods_per_year must be > 0", models.ErrInvalidConfig)
	}
	for sector, limit := range c.SectorCaps {
		if limit < 0 {
			return fmt.Errorf("%w: sector cap %s must be >= 0", models.ErrInvalidConfig, sector)
		}
	}
	return nil
}
