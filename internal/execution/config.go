package execution

import (
	"fmt"

	"QuantLab/internal/domain/models"
)

// CommissionModel selects how a fill is charged.
type CommissionModel string

const (
	CommissionPercentage CommissionModel = "percentage"
	CommissionFixed      CommissionModel = "fixed"
)

// Config holds the simulated frictions and starting capital.
type Config struct {
	InitialCash       float64
	FeeBps            float64
	SlippageBps       float64
	Commission        CommissionModel
	CommissionMinimum float64
	CommissionFixed   float64
}

func DefaultConfig() Config {
	return Config{
		InitialCash: 1_000_000,
		FeeBps:      1,
		SlippageBps: 5,
		Commission:  CommissionPercentage,
	}
}

func (c Config) Validate() error {
	switch {
	case c.InitialCash <= 0:
		return fmt.Errorf("%w: initial_cash must be > 0", models.ErrInvalidConfig)
	case c.FeeBps < 0 || c.SlippageBps < 0:
		return fmt.Errorf("%w: fee_bps and slippage_bps must be >= 0", models.ErrInvalidConfig)
	case c.CommissionMinimum < 0 || c.CommissionFixed < 0:
		return fmt.Errorf("%w: commission amounts must be >= 0", models.ErrInvalidConfig)
	}
	switch c.Commission {
	case CommissionPercentage, CommissionFixed, "":
	default:
		return fmt.Errorf("%w: unknown commission model %q", models.ErrInvalidConfig, c.Commission)
	}
	return nil
}
