package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	"QuantLab/internal/risk"
	"QuantLab/internal/service/cache"
	"QuantLab/internal/walkforward"
	applogger "QuantLab/pkg/logger"
	"QuantLab/pkg/util"

	"github.com/google/uuid"
)

// RunParams describes one walk-forward run.
type RunParams struct {
	RunID       string             `json:"run_id,omitempty"`
	Symbols     []string           `json:"symbols"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Timeframe   drepo.Timeframe    `json:"tf"`
	WalkForward walkforward.Config `json:"walk_forward"`
	Run         RunConfig          `json:"run"`
	Persist     bool               `json:"persist"`
}

type WalkForwardOption func(*WalkForward)

func WithSink(s drepo.ResultSink) WalkForwardOption {
	return func(w *WalkForward) {
		if s != nil {
			w.sink = s
		}
	}
}

// WithReportCache enables fold and run caching. A nil cache keeps it off.
func WithReportCache(c drepo.ReportCache) WalkForwardOption {
	return func(w *WalkForward) { w.cache = c }
}

// WithPublisher forwards fold failures as alerts.
func WithPublisher(p drepo.EventPublisher) WalkForwardOption {
	return func(w *WalkForward) { w.pub = p }
}

// WalkForward loads bars, runs every fold in parallel and persists the
// results.
type WalkForward struct {
	bars   drepo.BarStore
	sink   drepo.ResultSink
	cache  drepo.ReportCache
	pub    drepo.EventPublisher
	deps   Deps
	base   RunConfig
	baseWF walkforward.Config
	tf     drepo.Timeframe
	l      *applogger.Logger
}

func NewWalkForward(bars drepo.BarStore, base RunConfig, baseWF walkforward.Config, tf drepo.Timeframe, deps Deps, opts ...WalkForwardOption) *WalkForward {
	deps = deps.withDefaults()
	w := &WalkForward{
		bars:   bars,
		sink:   drepo.NopSink{},
		deps:   deps,
		base:   base,
		baseWF: baseWF,
		tf:     drepo.NormalizeTimeframe(string(tf)),
		l:      deps.Logger.With(applogger.String("component", "walkforward")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// KillSwitch is shared by every fold of every run.
func (w *WalkForward) KillSwitch() *risk.KillSwitch { return w.deps.KillSwitch }

// Defaults returns params for symbols over [from, to] using the configured
// run and fold settings.
func (w *WalkForward) Defaults(symbols []string, from, to time.Time) RunParams {
	run := w.base
	run.Venues = copyMap(w.base.Venues)
	return RunParams{
		Symbols:     symbols,
		From:        from,
		To:          to,
		Timeframe:   w.tf,
		WalkForward: w.baseWF,
		Run:         run,
	}
}

// FromRequest overlays an HTTP request on the defaults.
func (w *WalkForward) FromRequest(req models.WalkForwardRequest) (RunParams, error) {
	from, ok := util.ParseTime(req.From)
	if !ok {
		return RunParams{}, fmt.Errorf("%w: bad from %q", models.ErrInvalidConfig, req.From)
	}
	to, ok := util.ParseTime(req.To)
	if !ok {
		return RunParams{}, fmt.Errorf("%w: bad to %q", models.ErrInvalidConfig, req.To)
	}
	if !to.After(from) {
		return RunParams{}, fmt.Errorf("%w: to must be after from", models.ErrInvalidConfig)
	}
	p := w.Defaults(req.Symbols, from, to)
	if req.TF != "" {
		p.Timeframe = drepo.NormalizeTimeframe(req.TF)
		if p.Timeframe != w.tf {
			p.Run.PeriodsPerYear = drepo.PeriodsPerYear(p.Timeframe)
			p.Run.Risk.PeriodsPerYear = p.Run.PeriodsPerYear
		}
	}
	p.From, p.To = util.AlignFromTo(p.From, p.To, string(p.Timeframe))
	p.RunID = req.RunID
	p.WalkForward.TrainSize = req.TrainSize
	p.WalkForward.TestSize = req.TestSize
	p.WalkForward.Gap = req.Gap
	p.WalkForward.NFolds = req.NFolds
	if req.Mode != "" {
		p.WalkForward.Mode = req.Mode
	}
	if req.Strategy != "" {
		p.Run.Strategy.Name = req.Strategy
	}
	p.Persist = req.Persist
	return p, p.Validate()
}

func (p RunParams) Validate() error {
	if len(p.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", models.ErrInvalidConfig)
	}
	if err := p.WalkForward.Validate(); err != nil {
		return err
	}
	return p.Run.Validate()
}

// Run executes a whole walk-forward run. Configuration problems are returned
// before any fold runs; fold failures only show up in the report. The report
// is returned even when persisting it fails.
func (w *WalkForward) Run(ctx context.Context, p RunParams) (models.WFReport, error) {
	if err := p.Validate(); err != nil {
		return models.WFReport{}, err
	}
	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	l := w.l.With(applogger.String("run_id", runID))

	scheduler, err := walkforward.NewScheduler(p.WalkForward,
		walkforward.WithLogger(l),
		walkforward.WithMetrics(w.deps.Metrics),
	)
	if err != nil {
		return models.WFReport{}, err
	}

	t0 := time.Now()
	bars, err := w.bars.GetBars(ctx, p.Symbols, p.From, p.To, p.Timeframe)
	w.deps.Metrics.RecordLatency("get_bars", time.Since(t0).Seconds())
	if err != nil {
		return models.WFReport{}, fmt.Errorf("load bars: %w", err)
	}
	if len(bars) == 0 {
		return models.WFReport{}, fmt.Errorf("%w: no bars for %v", models.ErrNoMarketData, p.Symbols)
	}
	tl, err := models.NewTimeline(bars)
	if err != nil {
		return models.WFReport{}, err
	}
	runner, err := NewFoldRunner(p.Run, tl, w.deps)
	if err != nil {
		return models.WFReport{}, err
	}

	l.Info("walk-forward started",
		applogger.Strings("symbols", p.Symbols),
		applogger.Int("timestamps", tl.Len()),
		applogger.Int("folds", len(scheduler.Folds(tl.Len()))),
		applogger.String("mode", p.WalkForward.Mode),
	)

	report := scheduler.Run(ctx, tl.Len(), func(ctx context.Context, fold models.Fold) (models.FoldReport, error) {
		return w.runFold(ctx, runner, tl, p.Run, runID, fold)
	})
	report.RunID = runID
	w.alertFailures(ctx, runID, report)

	l.Info("walk-forward finished",
		applogger.Int("failed", report.Failed),
		applogger.Float("sharpe", report.Aggregate[models.MetricSharpe]),
		applogger.Float("total_return", report.Aggregate[models.MetricTotalReturn]),
		applogger.Duration("duration", report.Duration),
	)

	var errs []error
	if p.Persist {
		errs = append(errs, w.persist(ctx, runID, report))
	}
	if w.cache != nil {
		if err := w.cache.PutRun(ctx, report); err != nil {
			l.Warn("run cache write failed", applogger.Error(err))
		}
	}
	return report, errors.Join(errs...)
}

// runFold serves a fold from cache when the same bars and configuration were
// run before with the kill switch in the same state. Folds touched by the
// kill switch or by a failed regime score are never stored.
func (w *WalkForward) runFold(ctx context.Context, runner *FoldRunner, tl *models.Timeline, cfg RunConfig, runID string, fold models.Fold) (models.FoldReport, error) {
	if w.cache == nil {
		return runner.Run(ctx, runID, fold)
	}
	start := fold.Test.Start - cfg.window()
	if fold.Train.Start < start {
		start = fold.Train.Start
	}
	if start < 0 {
		start = 0
	}
	armed := w.deps.KillSwitch.Armed()
	key := cache.FoldKey(fold, tl.Slice(models.Range{Start: start, End: fold.Test.End}).Bars(), foldCacheTag{
		Run:        cfg,
		Regime:     w.deps.Scorer != nil,
		KillSwitch: armed,
	})
	if r, ok := w.cache.GetFold(ctx, key); ok {
		w.l.Debug("fold cache hit", applogger.String("run_id", runID), applogger.Int("fold", fold.Index))
		return r, nil
	}
	r, cacheable, err := runner.run(ctx, runID, fold)
	if err != nil {
		return r, err
	}
	if !cacheable || w.deps.KillSwitch.Armed() != armed {
		w.l.Debug("fold result not cached", applogger.String("run_id", runID), applogger.Int("fold", fold.Index))
		return r, nil
	}
	if err := w.cache.PutFold(ctx, key, r); err != nil {
		w.l.Warn("fold cache write failed", applogger.Int("fold", fold.Index), applogger.Error(err))
	}
	return r, nil
}

type foldCacheTag struct {
	Run        RunConfig `json:"run"`
	Regime     bool      `json:"regime"`
	KillSwitch bool      `json:"kill_switch"`
}

func (w *WalkForward) alertFailures(ctx context.Context, runID string, report models.WFReport) {
	if w.pub == nil || report.Failed == 0 {
		return
	}
	for _, f := range report.Folds {
		if f.Error == "" {
			continue
		}
		ev := models.Event{
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/fold/%d/failed", runID, f.FoldIndex))).String(),
			Timestamp: report.StartedAt,
			Kind:      models.EventAlert,
			Source:    "walkforward",
			Payload:   models.AlertPayload{Code: models.AlertFoldFailed, Message: f.Error},
		}
		if err := w.pub.PublishEvent(ctx, runID, f.FoldIndex, ev); err != nil {
			w.l.Warn("fold alert publish failed", applogger.Int("fold", f.FoldIndex), applogger.Error(err))
		}
	}
}

func (w *WalkForward) persist(ctx context.Context, runID string, report models.WFReport) error {
	for _, f := range report.Folds {
		if len(f.Equity) > 0 {
			if err := w.sink.SaveEquity(ctx, runID, f.FoldIndex, f.Equity); err != nil {
				return fmt.Errorf("save equity fold %d: %w", f.FoldIndex, err)
			}
		}
		if len(f.Fills) > 0 {
			if err := w.sink.SaveTrades(ctx, runID, f.FoldIndex, f.Fills); err != nil {
				return fmt.Errorf("save trades fold %d: %w", f.FoldIndex, err)
			}
		}
	}
	if err := w.sink.SaveFoldReports(ctx, runID, report.Folds); err != nil {
		return fmt.Errorf("save fold reports: %w", err)
	}
	return nil
}

// Get returns a finished run from the report cache.
func (w *WalkForward) Get(ctx context.Context, runID string) (models.WFReport, error) {
	if w.cache == nil {
		return models.WFReport{}, fmt.Errorf("%w: run %s (no report cache)", models.ErrNotFound, runID)
	}
	r, ok := w.cache.GetRun(ctx, runID)
	if !ok {
		return models.WFReport{}, fmt.Errorf("%w: run %s", models.ErrNotFound, runID)
	}
	return r, nil
}

// claim takes the run lock when the report cache supports one. ok is false
// while another worker holds runID.
func (w *WalkForward) claim(ctx context.Context, runID string, ttl time.Duration) (release func(), ok bool, err error) {
	locker, supported := w.cache.(drepo.RunLocker)
	if !supported {
		return func() {}, true, nil
	}
	ok, err = locker.LockRun(ctx, runID, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := locker.UnlockRun(context.Background(), runID); err != nil {
			w.l.Warn("unlock run", applogger.String("run_id", runID), applogger.Error(err))
		}
	}, true, nil
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
