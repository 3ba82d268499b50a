package models

import (
	"errors"
	"fmt"
	"time"
)

// Direction of an order.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// OrderType is market or limit.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus follows Submitted -> Scheduled -> Filled | Rejected.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "submitted"
	StatusScheduled OrderStatus = "scheduled"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
)

// ErrInvalidTransition is returned when an order is moved out of a terminal
// state or skips a state.
var ErrInvalidTransition = errors.New("invalid order transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusSubmitted: {StatusScheduled, StatusRejected},
	StatusScheduled: {StatusFilled, StatusRejected},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is a request to trade. Quantity is always positive; Direction gives
// the side.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Direction      Direction   `json:"direction"`
	Quantity       float64     `json:"quantity"`
	Type           OrderType   `json:"order_type"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	SubmissionTime time.Time   `json:"submission_time"`
	ExecutionTime  time.Time   `json:"execution_time"`
	StrategyTag    string      `json:"strategy_tag,omitempty"`
	Status         OrderStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
}

// Transition moves the order to next, enforcing the lifecycle.
func (o *Order) Transition(next OrderStatus, reason string) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	if reason != "" {
		o.Reason = reason
	}
	return nil
}

// Side is the executed side of a fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Fill is one execution.
type Fill struct {
	OrderID          string    `json:"order_id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Price            float64   `json:"fill_price"`
	Quantity         float64   `json:"quantity"`
	Commission       float64   `json:"commission"`
	SlippageFraction float64   `json:"slippage_fraction"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notional is price times quantity.
func (f Fill) Notional() float64 { return f.Price * f.Quantity }
