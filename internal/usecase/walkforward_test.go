package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	domsvc "QuantLab/internal/domain/service"
	"QuantLab/internal/eventbus"
	"QuantLab/internal/service/cache"
	"QuantLab/internal/services/strategy"
	"QuantLab/internal/walkforward"
	pkgcache "QuantLab/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

// series builds n daily bars for sym: a drift plus a cycle whose period
// depends on the symbol, so two symbols are not perfectly correlated.
func series(sym string, n int, drift, period float64) []models.Bar {
	out := make([]models.Bar, n)
	for i := 0; i < n; i++ {
		px := 100 * math.Exp(drift*float64(i)) * (1 + 0.05*math.Sin(2*math.Pi*float64(i)/period))
		out[i] = models.Bar{
			Symbol:    sym,
			Timestamp: t0.AddDate(0, 0, i),
			Open:      px * 0.999,
			High:      px * 1.01,
			Low:       px * 0.99,
			Close:     px,
			Volume:    1e6 + 1e4*float64(i%7),
		}
	}
	return out
}

type memBars struct {
	bars  []models.Bar
	calls atomic.Int32
}

func (m *memBars) GetBars(_ context.Context, symbols []string, from, to time.Time, _ drepo.Timeframe) ([]models.Bar, error) {
	m.calls.Add(1)
	want := map[string]bool{}
	for _, s := range symbols {
		want[s] = true
	}
	var out []models.Bar
	for _, b := range m.bars {
		if want[b.Symbol] && !b.Timestamp.Before(from) && !b.Timestamp.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

type recSink struct {
	mu      sync.Mutex
	equity  map[int]int
	trades  map[int]int
	reports []models.FoldReport
	err     error
}

func (s *recSink) SaveEquity(_ context.Context, _ string, fold int, points []models.EquityPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = map[int]int{}
	}
	s.equity[fold] = len(points)
	return s.err
}

func (s *recSink) SaveTrades(_ context.Context, _ string, fold int, fills []models.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trades == nil {
		s.trades = map[int]int{}
	}
	s.trades[fold] = len(fills)
	return nil
}

func (s *recSink) SaveFoldReports(_ context.Context, _ string, reports []models.FoldReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = reports
	return nil
}

// recTap keeps every event it sees, per fold.
type recTap struct {
	mu     sync.Mutex
	events map[int][]models.Event
}

func (t *recTap) Attach(bus *eventbus.Bus, _ string, fold int) {
	h := func(_ context.Context, ev models.Event) error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.events == nil {
			t.events = map[int][]models.Event{}
		}
		t.events[fold] = append(t.events[fold], ev)
		return nil
	}
	for _, k := range ForwardedKinds {
		bus.Subscribe(k, h)
	}
}

func (t *recTap) alerts(code string) []models.AlertPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.AlertPayload
	for _, evs := range t.events {
		for _, ev := range evs {
			if a, ok := ev.Payload.(models.AlertPayload); ok && a.Code == code {
				out = append(out, a)
			}
		}
	}
	return out
}

func testRunConfig() RunConfig {
	c := DefaultRunConfig()
	c.Execution.InitialCash = 1_000_000
	c.Strategy.Lookback = 10
	return c
}

func testParams(wf *WalkForward) RunParams {
	p := wf.Defaults([]string{"AAA", "BBB"}, t0, t0.AddDate(0, 0, 400))
	p.WalkForward = walkforward.Config{TrainSize: 120, TestSize: 40, Mode: walkforward.ModeRolling, Workers: 3}
	p.Run = testRunConfig()
	return p
}

func testBars() []models.Bar {
	return append(series("AAA", 360, 0.002, 37), series("BBB", 360, -0.001, 23)...)
}

func TestWalkForwardRerunsAreIdentical(t *testing.T) {
	ctx := context.Background()
	store := &memBars{bars: testBars()}
	wf := NewWalkForward(store, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{})

	a, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	b, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)

	require.Len(t, a.Folds, (360-120)/40)
	assert.Zero(t, a.Failed)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Aggregate, b.Aggregate)

	traded := 0
	for i := range a.Folds {
		assert.Equal(t, a.Folds[i].Metrics, b.Folds[i].Metrics)
		assert.Equal(t, a.Folds[i].Fills, b.Folds[i].Fills)
		assert.Equal(t, a.Folds[i].Equity, b.Folds[i].Equity)
		assert.Len(t, a.Folds[i].Equity, 40)
		traded += len(a.Folds[i].Fills)
	}
	assert.Positive(t, traded)
}

func TestFoldFillsNeverPrecedeTheirSignal(t *testing.T) {
	store := &memBars{bars: testBars()}
	wf := NewWalkForward(store, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{})

	rep, err := wf.Run(context.Background(), testParams(wf))
	require.NoError(t, err)
	for _, f := range rep.Folds {
		for _, fill := range f.Fills {
			// IDs are f<fold>-<symbol>-<signal time>-<slice>
			parts := strings.Split(fill.OrderID, "-")
			require.Len(t, parts, 4, fill.OrderID)
			signalled, err := time.Parse("20060102T150405", parts[2])
			require.NoError(t, err)
			assert.True(t, fill.Timestamp.After(signalled), fill.OrderID)
			assert.False(t, fill.Timestamp.Before(f.TestStart))
			assert.False(t, fill.Timestamp.After(f.TestEnd))
		}
	}
}

type failingProducer struct{ panics bool }

func (failingProducer) Name() string { return "broken" }

func (p failingProducer) Fit(context.Context, []models.Bar) error {
	if p.panics {
		panic("boom")
	}
	return errors.New("no convergence")
}

func (failingProducer) Signal(context.Context, string, []models.Bar) (models.Signal, error) {
	return models.Signal{Direction: 1, Confidence: 1}, nil
}

func TestFitFailureHolds(t *testing.T) {
	for name, panics := range map[string]bool{"error": false, "panic": true} {
		t.Run(name, func(t *testing.T) {
			tap := &recTap{}
			deps := Deps{
				NewProducer: func(strategy.Config) (domsvc.SignalProducer, error) {
					return failingProducer{panics: panics}, nil
				},
				Taps: []EventTap{tap},
			}
			wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, deps)

			rep, err := wf.Run(context.Background(), testParams(wf))
			require.NoError(t, err)
			assert.Zero(t, rep.Failed)
			for _, f := range rep.Folds {
				assert.Empty(t, f.Fills)
				assert.Equal(t, 0.0, f.Metrics[models.MetricTotalReturn])
			}
			assert.Len(t, tap.alerts(models.AlertSignalError), len(rep.Folds))
		})
	}
}

func TestKillSwitchBlocksNewRisk(t *testing.T) {
	tap := &recTap{}
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{Taps: []EventTap{tap}})
	wf.KillSwitch().Arm()

	rep, err := wf.Run(context.Background(), testParams(wf))
	require.NoError(t, err)
	for _, f := range rep.Folds {
		assert.Empty(t, f.Fills)
	}
	killed := 0
	for _, a := range tap.alerts(models.AlertRiskRejected) {
		if strings.Contains(a.Message, models.ReasonKillSwitch) {
			killed++
		}
	}
	assert.Positive(t, killed)
}

func TestWalkForwardCachesFolds(t *testing.T) {
	ctx := context.Background()
	var built atomic.Int32
	deps := Deps{NewProducer: func(c strategy.Config) (domsvc.SignalProducer, error) {
		built.Add(1)
		return strategy.New(c)
	}}
	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	rc := cache.NewReportCache(mem, time.Hour, nil)
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, deps, WithReportCache(rc))

	first, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	n := built.Load()
	require.EqualValues(t, len(first.Folds), n)

	second, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	assert.Equal(t, n, built.Load())
	assert.Equal(t, first.Aggregate, second.Aggregate)

	got, err := wf.Get(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, second.Aggregate, got.Aggregate)

	_, err = wf.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWalkForwardPersists(t *testing.T) {
	sink := &recSink{}
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{}, WithSink(sink))
	p := testParams(wf)
	p.Persist = true
	p.RunID = "run-1"

	rep, err := wf.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Len(t, sink.reports, len(rep.Folds))
	for _, f := range rep.Folds {
		assert.Equal(t, len(f.Equity), sink.equity[f.FoldIndex])
	}

	sink.err = errors.New("disk full")
	rep, err = wf.Run(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NotEmpty(t, rep.Folds)
}

func TestWalkForwardRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := &memBars{bars: testBars()}
	wf := NewWalkForward(store, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{})

	p := testParams(wf)
	p.WalkForward.TestSize = 0
	_, err := wf.Run(ctx, p)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
	assert.Zero(t, store.calls.Load(), "config errors come before any data is read")

	p = testParams(wf)
	p.Symbols = []string{"ZZZ"}
	_, err = wf.Run(ctx, p)
	assert.ErrorIs(t, err, models.ErrNoMarketData)
}

func TestFromRequest(t *testing.T) {
	wf := NewWalkForward(&memBars{}, testRunConfig(), walkforward.Config{TrainSize: 252, TestSize: 63, Workers: 2}, drepo.TF1d, Deps{})

	p, err := wf.FromRequest(models.WalkForwardRequest{
		Symbols: []string{"AAA"}, From: "2022-01-01", To: "2023-01-01", TF: "1h",
		TrainSize: 100, TestSize: 20, Gap: 2, Mode: "expanding", Strategy: "meanrev",
	})
	require.NoError(t, err)
	assert.Equal(t, drepo.TF1h, p.Timeframe)
	assert.Equal(t, 252*6.5, p.Run.PeriodsPerYear)
	assert.Equal(t, 100, p.WalkForward.TrainSize)
	assert.Equal(t, 2, p.WalkForward.Workers)
	assert.Equal(t, "expanding", p.WalkForward.Mode)
	assert.Equal(t, strategy.NameMeanReversion, p.Run.Strategy.Name)

	p, err = wf.FromRequest(models.WalkForwardRequest{
		Symbols: []string{"AAA"}, From: "2022-01-03T10:07:30Z", To: "2022-01-04T10:59:00Z", TF: "5m",
		TrainSize: 10, TestSize: 5, RunID: "nightly-1",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 1, 3, 10, 5, 0, 0, time.UTC), p.From)
	assert.Equal(t, time.Date(2022, 1, 4, 10, 55, 0, 0, time.UTC), p.To)
	assert.Equal(t, "nightly-1", p.RunID)

	_, err = wf.FromRequest(models.WalkForwardRequest{Symbols: []string{"AAA"}, From: "2023-01-01", To: "2022-01-01", TrainSize: 1, TestSize: 1})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestWalkForwardJob(t *testing.T) {
	sink := &recSink{}
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{}, WithSink(sink))
	job := NewWalkForwardJob(wf, nil)

	p := testParams(wf)
	p.RunID = "job-1"
	p.Persist = true
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), raw))
	assert.NotEmpty(t, sink.reports)

	// malformed and invalid payloads are dropped, not retried
	assert.NoError(t, job.Handle(context.Background(), json.RawMessage(`{`)))
	p.WalkForward.TrainSize = 0
	raw, _ = json.Marshal(p)
	assert.NoError(t, job.Handle(context.Background(), raw))
}

func TestWalkForwardJobRunLock(t *testing.T) {
	ctx := context.Background()
	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	rc := cache.NewReportCache(mem, time.Hour, nil)
	sink := &recSink{}
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{},
		WithSink(sink), WithReportCache(rc))
	job := NewWalkForwardJob(wf, nil)

	p := testParams(wf)
	p.RunID = "job-locked"
	p.Persist = true
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	// another worker holds the run: retry later
	ok, err := rc.LockRun(ctx, p.RunID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Error(t, job.Handle(ctx, raw))
	assert.Empty(t, sink.reports)

	require.NoError(t, rc.UnlockRun(ctx, p.RunID))
	require.NoError(t, job.Handle(ctx, raw))
	persisted := len(sink.reports)
	require.NotZero(t, persisted)

	// redelivery of a finished run is a no-op
	require.NoError(t, job.Handle(ctx, raw))
	assert.Len(t, sink.reports, persisted)

	ok, err = rc.LockRun(ctx, p.RunID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock released after the run")
}

func numTrades(rep models.WFReport) []float64 {
	out := make([]float64, len(rep.Folds))
	for i, f := range rep.Folds {
		out[i] = f.Metrics[models.MetricNumTrades]
	}
	return out
}

func TestDisarmedKillSwitchBypassesCachedFolds(t *testing.T) {
	ctx := context.Background()
	plain := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{})
	want, err := plain.Run(ctx, testParams(plain))
	require.NoError(t, err)
	require.Positive(t, want.Aggregate[models.MetricNumTrades])

	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{},
		WithReportCache(cache.NewReportCache(mem, time.Hour, nil)))

	wf.KillSwitch().Arm()
	armed, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	assert.Zero(t, armed.Aggregate[models.MetricNumTrades])

	wf.KillSwitch().Disarm()
	got, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	assert.Equal(t, numTrades(want), numTrades(got))
	assert.Equal(t, want.Aggregate, got.Aggregate)
}

type flakyScorer struct{ fail atomic.Bool }

func (s *flakyScorer) Score(_ context.Context, symbol string, _ []float64) (models.Regime, error) {
	if s.fail.Load() {
		return models.Regime{}, errors.New("regime service down")
	}
	return models.Regime{Symbol: symbol, Score: 1}, nil
}

func TestRegimeOutageIsNotCached(t *testing.T) {
	ctx := context.Background()
	cfg := testRunConfig()
	cfg.Risk.RegimeThreshold = 0.5
	scorer := &flakyScorer{}

	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	wf := NewWalkForward(&memBars{bars: testBars()}, cfg, walkforward.Config{}, drepo.TF1d, Deps{Scorer: scorer},
		WithReportCache(cache.NewReportCache(mem, time.Hour, nil)))
	p := testParams(wf)
	p.Run = cfg

	scorer.fail.Store(true)
	down, err := wf.Run(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, down.Aggregate[models.MetricNumTrades])

	scorer.fail.Store(false)
	up, err := wf.Run(ctx, p)
	require.NoError(t, err)
	assert.Positive(t, up.Aggregate[models.MetricNumTrades])
}

func TestPersistedRerunSavesEveryFoldFromCache(t *testing.T) {
	ctx := context.Background()
	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	sink := &recSink{}
	wf := NewWalkForward(&memBars{bars: testBars()}, testRunConfig(), walkforward.Config{}, drepo.TF1d, Deps{},
		WithSink(sink), WithReportCache(cache.NewReportCache(mem, time.Hour, nil)))

	warm, err := wf.Run(ctx, testParams(wf))
	require.NoError(t, err)
	require.Empty(t, sink.equity)

	p := testParams(wf)
	p.Persist = true
	rep, err := wf.Run(ctx, p)
	require.NoError(t, err)
	require.Len(t, rep.Folds, len(warm.Folds))
	for i, f := range rep.Folds {
		assert.Equal(t, len(warm.Folds[i].Equity), sink.equity[f.FoldIndex], "fold %d equity", f.FoldIndex)
		assert.NotZero(t, sink.equity[f.FoldIndex], "fold %d equity", f.FoldIndex)
		assert.Equal(t, len(f.Fills), sink.trades[f.FoldIndex], "fold %d trades", f.FoldIndex)
	}
	assert.Equal(t, numTrades(warm), numTrades(rep))
}
