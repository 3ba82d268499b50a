package risk

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/services/features"
	"QuantLab/internal/services/perf"
)

// RegimeGate rejects when the regime score is below RegimeThreshold, and
// rejects new risk from a signal less confident than MinConfidence. Zero
// disables either check.
type RegimeGate struct{}

func (RegimeGate) Name() string { return "regime_gate" }

func (RegimeGate) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	if cfg.RegimeThreshold > 0 && rc.RegimeScore < cfg.RegimeThreshold {
		return models.Reject(models.ReasonRegimeBelowThreshold,
			fmt.Sprintf("score %.4f < %.4f", rc.RegimeScore, cfg.RegimeThreshold))
	}
	if cfg.MinConfidence > 0 && rc.Confidence < cfg.MinConfidence && increasesRisk(rc.CurrentWeight, rc.ProposedWeight) {
		return models.Reject(models.ReasonLowConfidence,
			fmt.Sprintf("confidence %.4f < %.4f", rc.Confidence, cfg.MinConfidence))
	}
	return models.Approve(rc.ProposedWeight)
}

// LiquidityGate rejects symbols whose average dollar volume, as a fraction
// of equity, is below the configured minimum.
type LiquidityGate struct{}

func (LiquidityGate) Name() string { return "liquidity_gate" }

func (LiquidityGate) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	if cfg.MinADVFraction > 0 && rc.ADVFraction < cfg.MinADVFraction {
		return models.Reject(models.ReasonInsufficientLiquidity,
			fmt.Sprintf("adv fraction %.4f < %.4f", rc.ADVFraction, cfg.MinADVFraction))
	}
	return models.Approve(rc.ProposedWeight)
}

// VolTargetSizer turns the directional signal into a weight:
// sign(signal) * daily_target / realized_vol, clamped to ±MaxWeight.
type VolTargetSizer struct{}

func (VolTargetSizer) Name() string { return "vol_target" }

func (VolTargetSizer) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	if rc.Signal == 0 {
		return models.Approve(0)
	}
	realized := features.TrailingStd(features.Tail(rc.Returns, cfg.VolWindow), cfg.VolWindow)
	eps := cfg.VolEpsilon
	if eps <= 0 {
		eps = 1e-12
	}
	if len(rc.Returns) < 2 || realized <= eps {
		return models.Approve(0)
	}
	daily := cfg.VolTargetAnnual / math.Sqrt(cfg.PeriodsPerYear)
	w := float64(sign(rc.Signal)) * daily / realized
	if cfg.MaxWeight > 0 {
		w = clamp(w, cfg.MaxWeight)
	}
	return models.Approve(w)
}

// SectorCap limits the gross weight of a sector. Existing holdings are left
// untouched; the candidate receives what is left under the cap.
type SectorCap struct{}

func (SectorCap) Name() string { return "sector_cap" }

func (SectorCap) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	limit, ok := cfg.SectorCaps[rc.Sector]
	if rc.Sector == "" || !ok || !increasesRisk(rc.CurrentWeight, rc.ProposedWeight) {
		return models.Approve(rc.ProposedWeight)
	}
	existing := 0.0
	for sym, w := range rc.SectorWeights {
		if sym != rc.Symbol {
			existing += math.Abs(w)
		}
	}
	if existing+math.Abs(rc.ProposedWeight) <= limit+1e-12 {
		return models.Approve(rc.ProposedWeight)
	}
	room := math.Max(0, limit-existing)
	d := models.Approve(math.Copysign(room, rc.ProposedWeight))
	d.Detail = fmt.Sprintf("sector %s capped at %.4f (existing %.4f)", rc.Sector, limit, existing)
	return d
}

// CorrelationCap rejects a risk-increasing weight when the candidate's
// trailing returns are too correlated with any held symbol.
type CorrelationCap struct{}

func (CorrelationCap) Name() string { return "correlation_cap" }

func (CorrelationCap) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	if cfg.MaxCorrelation <= 0 || len(rc.CorrelationWindow) == 0 || !increasesRisk(rc.CurrentWeight, rc.ProposedWeight) {
		return models.Approve(rc.ProposedWeight)
	}
	held := make([]string, 0, len(rc.CorrelationWindow))
	for sym := range rc.CorrelationWindow {
		if sym != rc.Symbol {
			held = append(held, sym)
		}
	}
	sort.Strings(held)

	mine := features.Tail(rc.Returns, cfg.CorrelationWindow)
	worstSym, worst := "", 0.0
	for _, sym := range held {
		c := features.Pearson(mine, features.Tail(rc.CorrelationWindow[sym], cfg.CorrelationWindow))
		if math.Abs(c) > math.Abs(worst) {
			worstSym, worst = sym, c
		}
	}
	if math.Abs(worst) > cfg.MaxCorrelation {
		return models.Reject(models.ReasonCorrelationCap, fmt.Sprintf("%s %.4f", worstSym, worst))
	}
	return models.Approve(rc.ProposedWeight)
}

// AssetCap clamps to ±MaxAllocationPerAsset.
type AssetCap struct{}

func (AssetCap) Name() string { return "asset_cap" }

func (AssetCap) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	return models.Approve(clamp(rc.ProposedWeight, cfg.MaxAllocationPerAsset))
}

// CircuitBreaker halts new risk once the drawdown from the equity peak
// exceeds MaxDrawdown, or while the kill switch is armed. It stays tripped
// until Disarm. Reductions and flattening always pass.
type CircuitBreaker struct {
	ks      *KillSwitch
	tripped atomic.Bool
	onTrip  func(reason string)
}

func NewCircuitBreaker(ks *KillSwitch) *CircuitBreaker {
	return &CircuitBreaker{ks: ks}
}

func (*CircuitBreaker) Name() string { return "circuit_breaker" }

// OnTrip registers a callback fired once when the breaker latches.
func (c *CircuitBreaker) OnTrip(f func(reason string)) { c.onTrip = f }

func (c *CircuitBreaker) Tripped() bool { return c.tripped.Load() }

func (c *CircuitBreaker) Disarm() { c.tripped.Store(false) }

func (c *CircuitBreaker) Validate(rc *models.RiskContext, cfg Config) models.RiskDecision {
	if cfg.MaxDrawdown > 0 && perf.DrawdownBreached(rc.EquityHistory, cfg.MaxDrawdown) {
		if c.tripped.CompareAndSwap(false, true) && c.onTrip != nil {
			c.onTrip(models.ReasonCircuitBreaker)
		}
	}
	if !increasesRisk(rc.CurrentWeight, rc.ProposedWeight) {
		return models.Approve(rc.ProposedWeight)
	}
	if c.ks.Armed() {
		return models.Reject(models.ReasonKillSwitch, "kill switch armed")
	}
	if c.tripped.Load() {
		return models.Reject(models.ReasonCircuitBreaker,
			fmt.Sprintf("drawdown %.4f beyond %.4f", perf.CurrentDrawdown(rc.EquityHistory), cfg.MaxDrawdown))
	}
	return models.Approve(rc.ProposedWeight)
}

func sign(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
