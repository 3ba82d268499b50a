package risk

import (
	"math"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/domain/repository"
)

// Validator transforms, approves or vetoes a proposed weight.
type Validator interface {
	Name() string
	Validate(rc *models.RiskContext, cfg Config) models.RiskDecision
}

// Chain runs validators in order, stopping at the first rejection.
type Chain struct {
	cfg        Config
	validators []Validator
	metrics    repository.Metrics
}

// NewChain builds a chain from explicit validators.
func NewChain(cfg Config, validators ...Validator) *Chain {
	return &Chain{cfg: cfg, validators: validators, metrics: repository.NopMetrics{}}
}

// DefaultChain builds the canonical chain: regime, liquidity, vol sizing,
// sector cap, correlation cap, per-asset cap, circuit breaker.
func DefaultChain(cfg Config, ks *KillSwitch) *Chain {
	return NewChain(cfg,
		RegimeGate{},
		LiquidityGate{},
		VolTargetSizer{},
		SectorCap{},
		CorrelationCap{},
		AssetCap{},
		NewCircuitBreaker(ks),
	)
}

// WithMetrics records every decision.
func (c *Chain) WithMetrics(m repository.Metrics) *Chain {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Validators returns the chain's validators in order.
func (c *Chain) Validators() []Validator { return c.validators }

// Breaker returns the chain's circuit breaker, if any.
func (c *Chain) Breaker() *CircuitBreaker {
	for _, v := range c.validators {
		if cb, ok := v.(*CircuitBreaker); ok {
			return cb
		}
	}
	return nil
}

// Evaluate passes rc through every validator. rc is taken by value so the
// caller's context is never changed. The approved weight is always within
// ±MaxAllocationPerAsset.
func (c *Chain) Evaluate(rc models.RiskContext) models.RiskDecision {
	weight := rc.ProposedWeight
	for _, v := range c.validators {
		rc.ProposedWeight = weight
		d := v.Validate(&rc, c.cfg)
		if !d.Approved {
			d.Validator = v.Name()
			d.Weight = 0
			c.metrics.RecordRiskDecision(v.Name(), "rejected")
			return d
		}
		weight = d.Weight
		c.metrics.RecordRiskDecision(v.Name(), "approved")
	}
	return models.Approve(clamp(weight, c.cfg.MaxAllocationPerAsset))
}

func clamp(w, limit float64) float64 {
	if math.IsNaN(w) {
		return 0
	}
	if limit <= 0 {
		return w
	}
	return math.Max(-limit, math.Min(limit, w))
}

// increasesRisk is true when proposed adds exposure relative to current:
// a larger absolute weight or a flip to the other side.
func increasesRisk(current, proposed float64) bool {
	const eps = 1e-12
	if proposed == 0 {
		return false
	}
	if current != 0 && math.Signbit(current) != math.Signbit(proposed) {
		return true
	}
	return math.Abs(proposed) > math.Abs(current)+eps
}
