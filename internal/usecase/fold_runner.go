package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	domsvc "QuantLab/internal/domain/service"
	"QuantLab/internal/eventbus"
	"QuantLab/internal/execution"
	"QuantLab/internal/gateway"
	"QuantLab/internal/risk"
	"QuantLab/internal/service/ratelimit"
	"QuantLab/internal/services/strategy"
	applogger "QuantLab/pkg/logger"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
)

// EventTap observes a fold's bus, e.g. to forward events to Kafka or to
// websocket clients. Attach runs before any bar is published.
type EventTap interface {
	Attach(bus *eventbus.Bus, runID string, fold int)
}

// ProducerFactory builds a fresh, untrained signal producer.
type ProducerFactory func(cfg strategy.Config) (domsvc.SignalProducer, error)

// Deps are the collaborators shared by every fold of a run. Only the kill
// switch is mutable, and it is atomic.
type Deps struct {
	NewProducer ProducerFactory
	Scorer      domsvc.RegimeScorer
	KillSwitch  *risk.KillSwitch
	Taps        []EventTap
	Logger      *applogger.Logger
	Metrics     drepo.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.NewProducer == nil {
		d.NewProducer = strategy.New
	}
	if d.KillSwitch == nil {
		d.KillSwitch = risk.NewKillSwitch()
	}
	if d.Logger == nil {
		d.Logger = applogger.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = drepo.NopMetrics{}
	}
	return d
}

// FoldRunner replays one fold's test range through a freshly built bus,
// engine, risk chain and gateway. Nothing it builds outlives Run, so folds
// may run concurrently on one FoldRunner.
type FoldRunner struct {
	cfg  RunConfig
	tl   *models.Timeline
	deps Deps
}

func NewFoldRunner(cfg RunConfig, tl *models.Timeline, deps Deps) (*FoldRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tl == nil {
		return nil, fmt.Errorf("%w: timeline is required", models.ErrInvalidConfig)
	}
	return &FoldRunner{cfg: cfg, tl: tl, deps: deps.withDefaults()}, nil
}

// Run fits the producer on the train range and replays the test range.
// Bars before the test range, up to the warmup window, seed the strategy and
// risk history but are never traded.
func (r *FoldRunner) Run(ctx context.Context, runID string, fold models.Fold) (models.FoldReport, error) {
	rep, _, err := r.run(ctx, runID, fold)
	return rep, err
}

// run is Run that also reports whether the result may be cached: false when
// the kill switch rejected an order or changed state, or a regime score
// failed.
func (r *FoldRunner) run(ctx context.Context, runID string, fold models.Fold) (models.FoldReport, bool, error) {
	rep, p, err := r.replay(ctx, runID, fold)
	if err != nil {
		return rep, false, err
	}
	return rep, !p.volatile, nil
}

func (r *FoldRunner) replay(ctx context.Context, runID string, fold models.Fold) (models.FoldReport, *pipeline, error) {
	test := r.tl.Slice(fold.Test)
	if test.Len() == 0 {
		return models.FoldReport{}, nil, fmt.Errorf("fold %d: empty test range %d-%d", fold.Index, fold.Test.Start, fold.Test.End)
	}
	l := r.deps.Logger.With(applogger.String("run_id", runID), applogger.Int("fold", fold.Index))

	bus := eventbus.New(
		eventbus.WithLogger(l),
		eventbus.WithNamespace(foldNamespace(fold)),
		eventbus.WithSource("fold"),
	)
	for _, tap := range r.deps.Taps {
		tap.Attach(bus, runID, fold.Index)
	}

	engine, err := execution.NewEngine(r.cfg.Execution, test,
		execution.WithBus(bus),
		execution.WithLogger(l),
		execution.WithMetrics(r.deps.Metrics),
	)
	if err != nil {
		return models.FoldReport{}, nil, err
	}

	first := test.Batches[0].Timestamp
	p := &pipeline{
		cfg:     r.cfg,
		fold:    fold.Index,
		tl:      test,
		bus:     bus,
		engine:  engine,
		scorer:  r.deps.Scorer,
		l:       l,
		metrics: r.deps.Metrics,
		history: make(map[string][]models.Bar),
		window:  r.cfg.window(),
		now:     first,
	}
	p.producer, err = r.fit(ctx, p, r.tl.Slice(fold.Train).Bars(), first)
	if err != nil {
		return models.FoldReport{}, nil, err
	}
	if err := p.build(r.deps.KillSwitch); err != nil {
		return models.FoldReport{}, nil, err
	}
	p.subscribe()
	armed := r.deps.KillSwitch.Armed()

	warm := fold.Test.Start - p.window
	if warm < 0 {
		warm = 0
	}
	for _, b := range r.tl.Slice(models.Range{Start: warm, End: fold.Test.Start}).Bars() {
		p.remember(b)
	}

	for _, batch := range test.Batches {
		p.now = batch.Timestamp
		ev := models.Event{Kind: models.EventBarData, Timestamp: batch.Timestamp, Source: "feed", Payload: batch}
		if err := bus.Publish(ctx, ev); err != nil {
			return models.FoldReport{}, nil, fmt.Errorf("fold %d: %w", fold.Index, err)
		}
	}

	if r.deps.KillSwitch.Armed() != armed {
		p.volatile = true
	}

	rep := engine.Report(ctx, r.cfg.PeriodsPerYear)
	l.Debug("fold finished",
		applogger.Int("fills", rep.NumTrades),
		applogger.Float("total_return", rep.TotalReturn),
		applogger.Float("sharpe", rep.Sharpe),
	)
	return models.FoldReport{
		FoldIndex: fold.Index,
		Train:     fold.Train,
		Test:      fold.Test,
		TestStart: first,
		TestEnd:   test.Batches[test.Len()-1].Timestamp,
		Metrics:   rep.Metrics(),
		Equity:    engine.EquityHistory(),
		Fills:     engine.Fills(),
	}, p, nil
}

// fit trains a new producer on the train bars. A failing or panicking Fit
// leaves the fold with a producer that always holds.
func (r *FoldRunner) fit(ctx context.Context, p *pipeline, train []models.Bar, ts time.Time) (domsvc.SignalProducer, error) {
	prod, err := r.deps.NewProducer(r.cfg.Strategy)
	if err != nil {
		return nil, err
	}
	var pc panics.Catcher
	pc.Try(func() { err = prod.Fit(ctx, train) })
	if rec := pc.Recovered(); rec != nil {
		err = fmt.Errorf("fit panicked: %v", rec.Value)
	}
	if err == nil {
		return prod, nil
	}
	p.l.Warn("producer fit failed, holding", applogger.String("producer", prod.Name()), applogger.Error(err))
	p.alert(ctx, ts, models.AlertSignalError, "", fmt.Sprintf("%s fit: %v", prod.Name(), err))
	return untrained{name: prod.Name()}, nil
}

// foldNamespace makes event IDs depend only on the fold geometry, so the
// same fold replays with the same IDs in any run.
func foldNamespace(f models.Fold) uuid.UUID {
	key := fmt.Sprintf("quantlab/fold/%d/%d-%d/%d-%d", f.Index, f.Train.Start, f.Train.End, f.Test.Start, f.Test.End)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
}

// buildRouter wires one rate-limited gateway per venue. Buckets run on bar
// time so throttling replays identically.
func buildRouter(cfg RunConfig, fold int, engine *execution.Engine, clock ratelimit.Clock, l *applogger.Logger, m drepo.Metrics) (*gateway.Router, error) {
	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		names = append(names, name)
	}
	sort.Strings(names)

	limiter := ratelimit.NewWithClock(clock)
	gateways := make(map[string]*gateway.Gateway, len(names))
	for i, name := range names {
		seed := cfg.Gateway.Seed + int64(fold)*1000 + int64(i)
		var venue gateway.Venue = gateway.NewEngineVenue(name, engine)
		if cfg.FailureRate > 0 {
			venue = gateway.NewFlakyVenue(venue, cfg.FailureRate, seed)
		}
		gcfg := cfg.Gateway
		gcfg.Seed = seed
		g, err := gateway.New(gcfg, venue, limiter.Bucket(name, cfg.RateLimitBurst, cfg.RateLimitRPS),
			gateway.WithLogger(l.With(applogger.String("venue", name))),
			gateway.WithMetrics(m),
		)
		if err != nil {
			return nil, err
		}
		gateways[name] = g
	}
	return gateway.NewRouter(gateways, cfg.Venues)
}

// untrained always holds.
type untrained struct{ name string }

func (u untrained) Name() string { return u.name }

func (untrained) Fit(context.Context, []models.Bar) error { return nil }

func (untrained) Signal(context.Context, string, []models.Bar) (models.Signal, error) {
	return models.Hold, nil
}
