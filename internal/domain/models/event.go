package models

import "time"

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	EventBarData          EventKind = "BarData"
	EventFeaturesReady    EventKind = "FeaturesReady"
	EventSignalGenerated  EventKind = "SignalGenerated"
	EventRiskApproved     EventKind = "RiskApproved"
	EventOrderFilled      EventKind = "OrderFilled"
	EventPortfolioUpdated EventKind = "PortfolioUpdated"
	EventAlert            EventKind = "Alert"
)

// Event is immutable once published; handlers receive a copy.
type Event struct {
	ID        string      `json:"event_id"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      EventKind   `json:"kind"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload"`
}

// Alert codes.
const (
	AlertHandlerError     = "HandlerError"
	AlertInvalidOrder     = "InvalidOrder"
	AlertNoMarketData     = "NoMarketData"
	AlertInvalidBar       = "InvalidBar"
	AlertRiskRejected     = "RiskRejected"
	AlertRateLimited      = "RateLimited"
	AlertSubmissionFailed = "SubmissionFailed"
	AlertCircuitBreaker   = "CircuitBreakerTripped"
	AlertOrderRejected    = "OrderRejected"
	AlertSignalError      = "SignalError"
	AlertFoldFailed       = "FoldFailed"
)

// AlertPayload describes a non-fatal failure.
type AlertPayload struct {
	Code    string `json:"code"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message"`
}

// FeaturesPayload is published once a symbol's trailing window is ready.
type FeaturesPayload struct {
	Symbol   string             `json:"symbol"`
	Features map[string]float64 `json:"features"`
}

// SignalPayload carries one producer output for one symbol.
type SignalPayload struct {
	Symbol string  `json:"symbol"`
	Signal Signal  `json:"signal"`
	Close  float64 `json:"close"`
}

// ApprovedPayload is the chain's accepted target weight.
type ApprovedPayload struct {
	Symbol   string       `json:"symbol"`
	Decision RiskDecision `json:"decision"`
	Close    float64      `json:"close"`
}

// PortfolioPayload is the state right after mark-to-market.
type PortfolioPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Cash      float64   `json:"cash"`
	Equity    float64   `json:"equity"`
	Exposure  float64   `json:"gross_exposure"`
}
