package usecase

import (
	"fmt"

	"QuantLab/internal/algo"
	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	"QuantLab/internal/execution"
	"QuantLab/internal/gateway"
	"QuantLab/internal/risk"
	"QuantLab/internal/services/strategy"
	"QuantLab/internal/walkforward"
	"QuantLab/pkg/config"
)

// AlgoNone sends the whole delta as one order.
const AlgoNone = "none"

// RunConfig is everything one fold needs besides its bars. It is JSON
// encodable so it can be part of a fold cache key.
type RunConfig struct {
	Execution      execution.Config   `json:"execution"`
	Risk           risk.Config        `json:"risk"`
	Gateway        gateway.Config     `json:"gateway"`
	Strategy       strategy.Config    `json:"strategy"`
	Algo           string             `json:"algo"`
	Slices         int                `json:"slices"`
	Venues         map[string]float64 `json:"venues"`
	RateLimitRPS   float64            `json:"rate_limit_rps"`
	RateLimitBurst float64            `json:"rate_limit_burst"`
	FailureRate    float64            `json:"failure_rate"`
	Sectors        map[string]string  `json:"sectors"`
	WarmupBars     int                `json:"warmup_bars"`
	ADVWindow      int                `json:"adv_window"`
	PeriodsPerYear float64            `json:"periods_per_year"`
}

// DefaultRunConfig returns daily-bar defaults with a single venue.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Execution:      execution.DefaultConfig(),
		Risk:           risk.DefaultConfig(),
		Gateway:        gateway.DefaultConfig(),
		Strategy:       strategy.Config{Name: strategy.NameMomentum, Lookback: 20},
		Algo:           AlgoNone,
		Slices:         1,
		Venues:         map[string]float64{"primary": 1},
		RateLimitRPS:   10,
		RateLimitBurst: 10,
		WarmupBars:     20,
		ADVWindow:      20,
		PeriodsPerYear: 252,
	}
}

func (c RunConfig) Validate() error {
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	switch c.Algo {
	case AlgoNone, "", algo.AlgoTWAP, algo.AlgoVWAP:
	default:
		return fmt.Errorf("%w: unknown execution algo %q", models.ErrInvalidConfig, c.Algo)
	}
	switch {
	case len(c.Venues) == 0:
		return fmt.Errorf("%w: at least one venue is required", models.ErrInvalidConfig)
	case c.RateLimitBurst <= 0 || c.RateLimitRPS < 0:
		return fmt.Errorf("%w: rate limit burst must be > 0 and rps >= 0", models.ErrInvalidConfig)
	case c.FailureRate < 0 || c.FailureRate >= 1:
		return fmt.Errorf("%w: failure_rate must be in [0,1)", models.ErrInvalidConfig)
	case c.PeriodsPerYear <= 0:
		return fmt.Errorf("%w: periods_per_year must be > 0", models.ErrInvalidConfig)
	}
	return nil
}

// window is how many trailing bars the strategy and risk handlers keep.
func (c RunConfig) window() int {
	w := c.WarmupBars
	for _, n := range []int{c.Strategy.Lookback + 1, c.Risk.VolWindow + 1, c.Risk.CorrelationWindow + 1, c.ADVWindow} {
		if n > w {
			w = n
		}
	}
	return w
}

// RunConfigFrom maps the file configuration onto the domain configs.
// Periods per year default to the data timeframe's when not set.
func RunConfigFrom(cfg *config.Config) RunConfig {
	ppy := cfg.Backtest.PeriodsPerYear
	if ppy <= 0 {
		ppy = drepo.PeriodsPerYear(drepo.NormalizeTimeframe(cfg.Data.Timeframe))
	}
	r := cfg.Risk
	return RunConfig{
		Execution: execution.Config{
			InitialCash:       cfg.Backtest.InitialCash,
			FeeBps:            cfg.Backtest.FeeBps,
			SlippageBps:       cfg.Backtest.SlippageBps,
			Commission:        execution.CommissionModel(cfg.Backtest.CommissionModel),
			CommissionMinimum: cfg.Backtest.CommissionMinimum,
			CommissionFixed:   cfg.Backtest.CommissionFixed,
		},
		Risk: risk.Config{
			VolTargetAnnual:       r.VolTargetAnnual,
			VolWindow:             r.VolWindow,
			VolEpsilon:            1e-8,
			MaxWeight:             r.MaxWeight,
			MaxDrawdown:           r.MaxDrawdown,
			MaxAllocationPerAsset: r.MaxAllocationPerAsset,
			SectorCaps:            r.SectorCaps,
			MaxCorrelation:        r.MaxCorrelation,
			CorrelationWindow:     r.CorrelationWindow,
			RegimeThreshold:       r.RegimeThreshold,
			MinConfidence:         r.MinConfidence,
			MinADVFraction:        r.MinADVFraction,
			PeriodsPerYear:        ppy,
		},
		Gateway: gateway.Config{
			MaxAttempts: cfg.Execution.MaxAttempts,
			BackoffMin:  cfg.Execution.BackoffMin,
			BackoffMax:  cfg.Execution.BackoffMax,
			Seed:        cfg.Execution.Seed,
		},
		Strategy: strategy.Config{
			Name:      cfg.Strategy.Name,
			Lookback:  cfg.Strategy.Lookback,
			Threshold: cfg.Strategy.Threshold,
		},
		Algo:           cfg.Execution.Algo,
		Slices:         cfg.Execution.Slices,
		Venues:         cfg.Venues(),
		RateLimitRPS:   cfg.Execution.RateLimitRPS,
		RateLimitBurst: cfg.Execution.RateLimitBurst,
		FailureRate:    cfg.Execution.FailureRate,
		Sectors:        cfg.Backtest.Sectors,
		WarmupBars:     cfg.Backtest.WarmupBars,
		ADVWindow:      r.ADVWindow,
		PeriodsPerYear: ppy,
	}
}

// WalkForwardConfigFrom maps the walk_forward section.
func WalkForwardConfigFrom(cfg *config.Config) walkforward.Config {
	wf := cfg.WalkForward
	return walkforward.Config{
		TrainSize: wf.TrainSize,
		TestSize:  wf.TestSize,
		Gap:       wf.Gap,
		NFolds:    wf.NFolds,
		Mode:      wf.Mode,
		Workers:   wf.Workers,
	}
}
