package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"QuantLab/internal/domain/models"
	domsvc "QuantLab/internal/domain/service"
	applogger "QuantLab/pkg/logger"
)

const (
	StateTrending = "trending"
	StateChoppy   = "choppy"
	StateUnknown  = "unknown"

	regimeAttempts = 3
)

// HTTPRegimeScorer asks a remote scoring service for the regime of a return series.
type HTTPRegimeScorer struct {
	base *HTTPServiceBase
}

func NewHTTPRegimeScorer(baseURL string, timeout time.Duration) *HTTPRegimeScorer {
	return &HTTPRegimeScorer{base: NewHTTPServiceBase(baseURL, timeout)}
}

type regimeRequest struct {
	Symbol  string    `json:"symbol"`
	Returns []float64 `json:"returns"`
}

type regimeResponse struct {
	State string  `json:"state"`
	Score float64 `json:"score"`
}

func (s *HTTPRegimeScorer) Score(ctx context.Context, symbol string, returns []float64) (models.Regime, error) {
	var rr regimeResponse
	err := s.base.PostJSONWithRetry(ctx, "/regime/score", regimeRequest{Symbol: symbol, Returns: returns}, &rr, regimeAttempts)
	if err != nil {
		return models.Regime{}, fmt.Errorf("score regime %s: %w", symbol, err)
	}
	return models.Regime{Symbol: symbol, State: rr.State, Score: clamp01(rr.Score)}, nil
}

// TrendRegimeScorer scores the efficiency ratio of the trailing returns:
// |sum r| / sum |r|. A straight-line move scores 1, pure noise scores near 0.
type TrendRegimeScorer struct {
	window    int
	trendLine float64
}

func NewTrendRegimeScorer(window int, trendLine float64) *TrendRegimeScorer {
	if trendLine <= 0 {
		trendLine = 0.3
	}
	return &TrendRegimeScorer{window: window, trendLine: trendLine}
}

func (s *TrendRegimeScorer) Score(_ context.Context, symbol string, returns []float64) (models.Regime, error) {
	if s.window > 0 && len(returns) > s.window {
		returns = returns[len(returns)-s.window:]
	}
	var net, path float64
	for _, r := range returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		net += r
		path += math.Abs(r)
	}
	// no evidence either way: do not gate
	if len(returns) < 2 || path == 0 {
		return models.Regime{Symbol: symbol, State: StateUnknown, Score: 1}, nil
	}
	er := clamp01(math.Abs(net) / path)
	state := StateChoppy
	if er >= s.trendLine {
		state = StateTrending
	}
	return models.Regime{Symbol: symbol, State: state, Score: er}, nil
}

// FallbackScorer uses primary and falls back to secondary when primary fails.
type FallbackScorer struct {
	primary   domsvc.RegimeScorer
	secondary domsvc.RegimeScorer
	l         *applogger.Logger
}

func NewFallbackScorer(primary, secondary domsvc.RegimeScorer, l *applogger.Logger) *FallbackScorer {
	if l == nil {
		l = applogger.Nop()
	}
	return &FallbackScorer{primary: primary, secondary: secondary, l: l}
}

func (s *FallbackScorer) Score(ctx context.Context, symbol string, returns []float64) (models.Regime, error) {
	r, err := s.primary.Score(ctx, symbol, returns)
	if err == nil {
		return r, nil
	}
	s.l.Warn("regime scorer failed, using fallback",
		applogger.String("symbol", symbol),
		applogger.Error(err),
	)
	return s.secondary.Score(ctx, symbol, returns)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

var (
	_ domsvc.RegimeScorer = (*HTTPRegimeScorer)(nil)
	_ domsvc.RegimeScorer = (*TrendRegimeScorer)(nil)
	_ domsvc.RegimeScorer = (*FallbackScorer)(nil)
)
