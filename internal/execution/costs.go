package execution

import (
	"math"

	"QuantLab/internal/domain/models"
)

// SlippageFraction grows with the bar's range and, sub-linearly, with order
// size: bps/1e4 * (high-low)/close * log1p(notional/1e6).
func SlippageFraction(bar models.Bar, notional, slippageBps float64) float64 {
	if slippageBps <= 0 || notional <= 0 {
		return 0
	}
	return slippageBps / 1e4 * bar.RangeFraction() * math.Log1p(notional/1e6)
}

// Commission charges a fill of the given notional.
func Commission(cfg Config, notional float64) float64 {
	if cfg.Commission == CommissionFixed {
		return cfg.CommissionFixed
	}
	return math.Max(math.Abs(notional)*cfg.FeeBps/1e4, cfg.CommissionMinimum)
}

// basePrice is the pre-slippage execution price: the open for market
// orders, the limit clipped into the bar's range for limit orders.
func basePrice(o models.Order, bar models.Bar) float64 {
	if o.Type == models.Limit {
		return math.Min(bar.High, math.Max(bar.Low, o.LimitPrice))
	}
	return bar.Open
}

// withSlippage moves price against the trader.
func withSlippage(price float64, side models.Side, s float64) float64 {
	if side == models.Sell {
		return price * (1 - s)
	}
	return price * (1 + s)
}
