package models

import "errors"

var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrNoMarketData          = errors.New("no market data")
	ErrInvalidBar            = errors.New("invalid bar")
	ErrRiskRejected          = errors.New("risk rejected")
	ErrRateLimited           = errors.New("rate limited")
	ErrSubmissionFailed      = errors.New("submission failed")
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrInvalidConfig         = errors.New("invalid config")
	ErrNotFound              = errors.New("not found")
)
