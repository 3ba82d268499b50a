package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"QuantLab/internal/algo"
	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	domsvc "QuantLab/internal/domain/service"
	"QuantLab/internal/eventbus"
	"QuantLab/internal/execution"
	"QuantLab/internal/gateway"
	"QuantLab/internal/risk"
	"QuantLab/internal/services/features"
	applogger "QuantLab/pkg/logger"

	"github.com/sourcegraph/conc/panics"
)

// minTradeFraction is the smallest rebalance, as a fraction of equity,
// worth sending.
const minTradeFraction = 1e-4

// pipeline is the per-fold wiring of
// bar -> engine step -> signal -> risk -> slicing -> gateway -> engine.
// Every handler runs on the publishing goroutine.
type pipeline struct {
	cfg      RunConfig
	fold     int
	tl       *models.Timeline
	bus      *eventbus.Bus
	engine   *execution.Engine
	chain    *risk.Chain
	router   *gateway.Router
	producer domsvc.SignalProducer
	scorer   domsvc.RegimeScorer
	l        *applogger.Logger
	metrics  drepo.Metrics

	history map[string][]models.Bar
	window  int
	now     time.Time
	tripped bool
	// volatile marks a fold whose result depends on more than its bars and
	// config: a kill switch rejection or a failed regime score.
	volatile bool
}

func (p *pipeline) build(ks *risk.KillSwitch) error {
	router, err := buildRouter(p.cfg, p.fold, p.engine, func() time.Time { return p.now }, p.l, p.metrics)
	if err != nil {
		return err
	}
	p.router = router
	p.chain = risk.DefaultChain(p.cfg.Risk, ks).WithMetrics(p.metrics)
	if b := p.chain.Breaker(); b != nil {
		b.OnTrip(func(reason string) {
			p.tripped = true
			// Only reaches backoffs on other goroutines. Submissions on the bar
			// goroutine after a trip are rejected by the breaker before routing.
			p.router.CancelPending()
			p.l.Warn("circuit breaker tripped", applogger.String("reason", reason))
		})
	}
	return nil
}

// subscribe registers the handlers. The engine step is first so fills and
// the mark for a timestamp happen before anything reacts to it.
func (p *pipeline) subscribe() {
	p.bus.Subscribe(models.EventBarData, p.onBarExecute)
	p.bus.Subscribe(models.EventBarData, p.onBarSignal)
	p.bus.Subscribe(models.EventSignalGenerated, p.onSignal)
	p.bus.Subscribe(models.EventRiskApproved, p.onApproved)
}

func (p *pipeline) onBarExecute(ctx context.Context, ev models.Event) error {
	batch, ok := ev.Payload.(models.BarBatch)
	if !ok {
		return fmt.Errorf("bar data payload is %T", ev.Payload)
	}
	return p.engine.Step(ctx, batch)
}

func (p *pipeline) onBarSignal(ctx context.Context, ev models.Event) error {
	batch, ok := ev.Payload.(models.BarBatch)
	if !ok {
		return fmt.Errorf("bar data payload is %T", ev.Payload)
	}
	for _, bar := range batch.Bars {
		p.remember(bar)
		window := p.history[bar.Symbol]
		if len(window) < 2 {
			continue
		}
		returns := features.Returns(window)
		_ = p.bus.Emit(ctx, models.EventFeaturesReady, ev.Timestamp, "features", models.FeaturesPayload{
			Symbol: bar.Symbol,
			Features: map[string]float64{
				"return":       returns[len(returns)-1],
				"realized_vol": features.TrailingStd(features.Tail(returns, p.cfg.Risk.VolWindow), p.cfg.Risk.VolWindow),
				"adv":          features.AverageDollarVolume(window, p.cfg.ADVWindow),
				"range":        bar.RangeFraction(),
			},
		})

		sig, err := p.signal(ctx, bar.Symbol, window)
		if err != nil {
			p.alert(ctx, ev.Timestamp, models.AlertSignalError, bar.Symbol, err.Error())
			continue
		}
		err = p.bus.Emit(ctx, models.EventSignalGenerated, ev.Timestamp, p.producer.Name(), models.SignalPayload{
			Symbol: bar.Symbol,
			Signal: sig.Clamp(),
			Close:  bar.Close,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) signal(ctx context.Context, symbol string, window []models.Bar) (sig models.Signal, err error) {
	var pc panics.Catcher
	pc.Try(func() { sig, err = p.producer.Signal(ctx, symbol, window) })
	if rec := pc.Recovered(); rec != nil {
		return models.Hold, fmt.Errorf("%s signal panicked: %v", p.producer.Name(), rec.Value)
	}
	return sig, err
}

func (p *pipeline) onSignal(ctx context.Context, ev models.Event) error {
	s, ok := ev.Payload.(models.SignalPayload)
	if !ok {
		return fmt.Errorf("signal payload is %T", ev.Payload)
	}
	snap := p.engine.Snapshot()
	hist := p.history[s.Symbol]
	returns := features.Returns(hist)
	sector := p.cfg.Sectors[s.Symbol]

	rc := models.RiskContext{
		Symbol:            s.Symbol,
		Timestamp:         ev.Timestamp,
		Signal:            s.Signal.Direction,
		Confidence:        s.Signal.Confidence,
		ProposedWeight:    float64(s.Signal.Direction),
		CurrentWeight:     snap.Weight(s.Symbol),
		Sector:            sector,
		SectorWeights:     p.sectorWeights(snap, sector),
		RegimeScore:       p.regimeScore(ctx, s.Symbol, returns),
		Returns:           returns,
		CorrelationWindow: p.heldReturns(snap, s.Symbol),
		EquityHistory:     append([]float64{p.cfg.Execution.InitialCash}, snap.Equities()...),
	}
	if snap.Equity > 0 {
		rc.ADVFraction = features.AverageDollarVolume(hist, p.cfg.ADVWindow) / snap.Equity
	}

	d := p.chain.Evaluate(rc)
	if p.tripped {
		p.tripped = false
		p.alert(ctx, ev.Timestamp, models.AlertCircuitBreaker, s.Symbol, "pending submissions cancelled")
	}
	if !d.Approved {
		if d.Reason == models.ReasonKillSwitch {
			p.volatile = true
		}
		p.alert(ctx, ev.Timestamp, models.AlertRiskRejected, s.Symbol, d.Err().Error())
		return nil
	}
	return p.bus.Emit(ctx, models.EventRiskApproved, ev.Timestamp, "risk", models.ApprovedPayload{
		Symbol:   s.Symbol,
		Decision: d,
		Close:    s.Close,
	})
}

// onApproved turns the target weight into child orders for the next bars.
// Quantities already scheduled count toward the target.
func (p *pipeline) onApproved(ctx context.Context, ev models.Event) error {
	a, ok := ev.Payload.(models.ApprovedPayload)
	if !ok {
		return fmt.Errorf("approved payload is %T", ev.Payload)
	}
	snap := p.engine.Snapshot()
	if a.Close <= 0 || snap.Equity <= 0 {
		return nil
	}
	held := snap.Positions[a.Symbol].Quantity
	pending := p.engine.PendingQuantity(a.Symbol)
	target := a.Decision.Weight * snap.Equity / a.Close
	delta := target - held - pending
	if math.Abs(delta)*a.Close < minTradeFraction*snap.Equity {
		return nil
	}

	dir := models.Long
	if delta < 0 {
		dir = models.Short
	}
	qty := math.Abs(delta)
	if target == 0 && pending == 0 && held != 0 {
		dir, qty = models.Flat, math.Abs(held)
	}

	for i, c := range p.children(a.Symbol, ev.Timestamp, qty) {
		o := models.Order{
			ID:             fmt.Sprintf("f%d-%s-%s-%d", p.fold, a.Symbol, ev.Timestamp.UTC().Format("20060102T150405"), i),
			Symbol:         a.Symbol,
			Direction:      dir,
			Quantity:       c.qty,
			Type:           models.Market,
			SubmissionTime: ev.Timestamp,
			ExecutionTime:  c.at,
			StrategyTag:    p.producer.Name(),
		}
		if _, err := p.router.Submit(ctx, o); err != nil {
			p.submitFailed(ctx, ev.Timestamp, o, err)
		}
	}
	return nil
}

type child struct {
	qty float64
	at  time.Time
}

// children schedules qty over the symbol's next bars. Without a next bar a
// single order is sent with no execution time; the engine drops it at the
// end of the fold.
func (p *pipeline) children(symbol string, ts time.Time, qty float64) []child {
	n := 1
	if p.cfg.Algo == algo.AlgoTWAP || p.cfg.Algo == algo.AlgoVWAP {
		n = max(1, p.cfg.Slices)
	}
	times := p.tl.NextN(symbol, ts, n)
	if len(times) == 0 {
		return []child{{qty: qty}}
	}
	if len(times) == 1 {
		return []child{{qty: qty, at: times[0]}}
	}

	// the volume profile is the last len(times) bars seen, oldest first
	hist := features.Tail(p.history[symbol], len(times))
	profile := make([]float64, len(hist))
	for i, b := range hist {
		profile[i] = b.Volume
	}
	qtys, err := algo.Schedule(p.cfg.Algo, qty, len(times), profile)
	if err != nil {
		p.l.Warn("slicing failed, sending one order", applogger.String("symbol", symbol), applogger.Error(err))
		return []child{{qty: qty, at: times[0]}}
	}
	out := make([]child, 0, len(qtys))
	for i, q := range qtys {
		if q > 0 {
			out = append(out, child{qty: q, at: times[i]})
		}
	}
	return out
}

func (p *pipeline) submitFailed(ctx context.Context, ts time.Time, o models.Order, err error) {
	p.l.Debug("order submission failed", applogger.String("order_id", o.ID), applogger.Error(err))
	switch {
	case errors.Is(err, models.ErrInvalidOrder):
		// the engine already raised an alert
	case errors.Is(err, models.ErrRateLimited):
		p.alert(ctx, ts, models.AlertRateLimited, o.Symbol, o.ID+": "+err.Error())
	case errors.Is(err, models.ErrSubmissionFailed):
		p.metrics.RecordError("submission")
		p.alert(ctx, ts, models.AlertSubmissionFailed, o.Symbol, o.ID+": "+err.Error())
	default:
		p.alert(ctx, ts, models.AlertOrderRejected, o.Symbol, o.ID+": "+err.Error())
	}
}

// remember appends bar to the symbol's trailing window.
func (p *pipeline) remember(b models.Bar) {
	h := append(p.history[b.Symbol], b)
	if len(h) > p.window {
		h = h[len(h)-p.window:]
	}
	p.history[b.Symbol] = h
}

func (p *pipeline) sectorWeights(snap models.PortfolioSnapshot, sector string) map[string]float64 {
	if sector == "" {
		return nil
	}
	out := make(map[string]float64)
	for sym := range snap.Positions {
		if p.cfg.Sectors[sym] == sector {
			out[sym] = snap.Weight(sym)
		}
	}
	return out
}

func (p *pipeline) heldReturns(snap models.PortfolioSnapshot, symbol string) map[string][]float64 {
	out := make(map[string][]float64, len(snap.Positions))
	for sym := range snap.Positions {
		if sym != symbol {
			out[sym] = features.Returns(p.history[sym])
		}
	}
	return out
}

// regimeScore is 1 without a scorer. A scorer error scores 0, so an enabled
// regime gate rejects rather than trades blind.
func (p *pipeline) regimeScore(ctx context.Context, symbol string, returns []float64) float64 {
	if p.scorer == nil {
		return 1
	}
	r, err := p.scorer.Score(ctx, symbol, returns)
	if err != nil {
		p.metrics.RecordError("regime_score")
		p.volatile = true
		p.l.Warn("regime score failed", applogger.String("symbol", symbol), applogger.Error(err))
		return 0
	}
	return r.Score
}

func (p *pipeline) alert(ctx context.Context, ts time.Time, code, symbol, msg string) {
	_ = p.bus.Emit(ctx, models.EventAlert, ts, "pipeline", models.AlertPayload{Code: code, Symbol: symbol, Message: msg})
}
