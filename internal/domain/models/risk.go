package models

import (
	"fmt"
	"time"
)

// Stable rejection reasons.
const (
	ReasonRegimeBelowThreshold  = "RegimeBelowThreshold"
	ReasonLowConfidence         = "ConfidenceBelowThreshold"
	ReasonInsufficientLiquidity = "InsufficientLiquidity"
	ReasonCorrelationCap        = "CorrelationCapExceeded"
	ReasonCircuitBreaker        = "CircuitBreakerTripped"
	ReasonKillSwitch            = "KillSwitchActive"
	ReasonNoMarketData          = "NoMarketData"
	ReasonNothingToClose        = "NothingToClose"
	ReasonEndOfData             = "EndOfData"
)

// RiskContext is a per-symbol, per-bar value passed through a risk chain.
// Validators only change ProposedWeight of their own copy.
type RiskContext struct {
	Symbol            string               `json:"symbol"`
	Timestamp         time.Time            `json:"timestamp"`
	Signal            int                  `json:"signal"`
	Confidence        float64              `json:"confidence"`
	ProposedWeight    float64              `json:"proposed_weight"`
	CurrentWeight     float64              `json:"current_weight"`
	Sector            string               `json:"sector"`
	SectorWeights     map[string]float64   `json:"sector_weights,omitempty"`
	RegimeScore       float64              `json:"regime_score"`
	ADVFraction       float64              `json:"adv_fraction"`
	Returns           []float64            `json:"-"`
	CorrelationWindow map[string][]float64 `json:"-"`
	EquityHistory     []float64            `json:"-"`
}

// RiskDecision is the outcome of a validator or a whole chain.
type RiskDecision struct {
	Approved  bool    `json:"approved"`
	Weight    float64 `json:"weight"`
	Reason    string  `json:"reason,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Validator string  `json:"validator,omitempty"`
}

// Approve passes weight through.
func Approve(weight float64) RiskDecision {
	return RiskDecision{Approved: true, Weight: weight}
}

// Reject vetoes with a stable reason.
func Reject(reason, detail string) RiskDecision {
	return RiskDecision{Approved: false, Reason: reason, Detail: detail}
}

// Err returns nil for approvals and an ErrRiskRejected wrapper otherwise.
func (d RiskDecision) Err() error {
	if d.Approved {
		return nil
	}
	if d.Reason == ReasonCircuitBreaker || d.Reason == ReasonKillSwitch {
		return fmt.Errorf("%w: %w: %s", ErrRiskRejected, ErrCircuitBreakerTripped, d.Reason)
	}
	if d.Detail != "" {
		return fmt.Errorf("%w: %s (%s)", ErrRiskRejected, d.Reason, d.Detail)
	}
	return fmt.Errorf("%w: %s", ErrRiskRejected, d.Reason)
}
