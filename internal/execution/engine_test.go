package execution

import (
	"context"
	"math"
	"testing"
	"time"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func day(i int) time.Time { return t0.AddDate(0, 0, i) }

func bar(sym string, i int, px float64) models.Bar {
	return models.Bar{Symbol: sym, Timestamp: day(i), Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1000}
}

func frictionless() Config {
	return Config{InitialCash: 10_000, Commission: CommissionPercentage}
}

func newEngine(t *testing.T, cfg Config, bars []models.Bar, opts ...Option) (*Engine, *models.Timeline) {
	t.Helper()
	tl, err := models.NewTimeline(bars)
	require.NoError(t, err)
	e, err := NewEngine(cfg, tl, opts...)
	require.NoError(t, err)
	return e, tl
}

func market(sym string, dir models.Direction, qty float64, submitted time.Time) models.Order {
	return models.Order{Symbol: sym, Direction: dir, Quantity: qty, Type: models.Market, SubmissionTime: submitted}
}

func runAll(t *testing.T, e *Engine, tl *models.Timeline) {
	t.Helper()
	for _, b := range tl.Batches {
		require.NoError(t, e.Step(context.Background(), b))
	}
}

func TestSubmitResolvesNextBarAndFillsAtItsOpen(t *testing.T) {
	ctx := context.Background()
	e, tl := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 101), bar("A", 2, 102)})

	o, err := e.Submit(ctx, market("A", models.Long, 10, day(0)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, o.Status)
	assert.Equal(t, day(1), o.ExecutionTime)

	require.NoError(t, e.Step(ctx, tl.Batches[0]))
	assert.Empty(t, e.Fills())

	require.NoError(t, e.Step(ctx, tl.Batches[1]))
	fills := e.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, 101.0, fills[0].Price)
	assert.Equal(t, day(1), fills[0].Timestamp)
	assert.True(t, fills[0].Timestamp.After(o.SubmissionTime))

	snap := e.Snapshot()
	assert.InDelta(t, 10_000-1010, snap.Cash, 1e-9)
	assert.InDelta(t, 10_000, snap.Equity, 1e-9)
	assert.Equal(t, 10.0, snap.Positions["A"].Quantity)
}

func TestSubmitRejectsInvalidOrders(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 101)})

	cases := map[string]models.Order{
		"zero quantity":    market("A", models.Long, 0, day(0)),
		"nan quantity":     market("A", models.Long, math.NaN(), day(0)),
		"bad limit":        {Symbol: "A", Direction: models.Long, Quantity: 1, Type: models.Limit, SubmissionTime: day(0)},
		"unknown type":     {Symbol: "A", Direction: models.Long, Quantity: 1, Type: "stop", SubmissionTime: day(0)},
		"same-bar execute": {Symbol: "A", Direction: models.Long, Quantity: 1, Type: models.Market, SubmissionTime: day(1), ExecutionTime: day(1)},
		"past execute":     {Symbol: "A", Direction: models.Long, Quantity: 1, Type: models.Market, SubmissionTime: day(1), ExecutionTime: day(0)},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := e.Submit(ctx, o)
			assert.ErrorIs(t, err, models.ErrInvalidOrder)
			assert.Equal(t, models.StatusRejected, got.Status)
		})
	}
}

func TestOneEquityPointPerBarAndNoDuplicateMarks(t *testing.T) {
	ctx := context.Background()
	bars := []models.Bar{bar("A", 0, 100), bar("B", 0, 50), bar("A", 1, 101), bar("B", 2, 52), bar("A", 3, 99)}
	e, tl := newEngine(t, frictionless(), bars)
	runAll(t, e, tl)

	hist := e.EquityHistory()
	require.Len(t, hist, tl.Len())
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i].Timestamp.After(hist[i-1].Timestamp))
	}

	_, err := e.MarkToMarket(ctx, day(3))
	assert.Error(t, err)
	assert.Error(t, e.ProcessBar(ctx, bar("A", 3, 99)))
	assert.Len(t, e.EquityHistory(), tl.Len())
}

func TestAccountingAveragingFlipAndClose(t *testing.T) {
	ctx := context.Background()
	cfg := frictionless()
	cfg.Commission = CommissionFixed
	cfg.CommissionFixed = 1
	e, tl := newEngine(t, cfg, []models.Bar{
		bar("A", 0, 100), bar("A", 1, 100), bar("A", 2, 110), bar("A", 3, 120), bar("A", 4, 90), bar("A", 5, 95),
	})

	_, err := e.Submit(ctx, market("A", models.Long, 10, day(0)))
	require.NoError(t, err)
	_, err = e.Submit(ctx, market("A", models.Long, 10, day(1)))
	require.NoError(t, err)
	require.NoError(t, e.Step(ctx, tl.Batches[0]))
	require.NoError(t, e.Step(ctx, tl.Batches[1]))
	require.NoError(t, e.Step(ctx, tl.Batches[2]))

	pos := e.Snapshot().Positions["A"]
	assert.Equal(t, 20.0, pos.Quantity)
	assert.InDelta(t, 105, pos.AvgEntryPrice, 1e-9)

	// sell 30: close 20 long at 120, open 10 short at 120
	_, err = e.Submit(ctx, market("A", models.Short, 30, day(2)))
	require.NoError(t, err)
	require.NoError(t, e.Step(ctx, tl.Batches[3]))

	snap := e.Snapshot()
	assert.Equal(t, -10.0, snap.Positions["A"].Quantity)
	assert.Equal(t, 120.0, snap.Positions["A"].AvgEntryPrice)
	trades := e.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, (120-105)*20, trades[0].PnL, 1e-9)

	// buy cost = 100*10+1 + 110*10+1; sell proceeds = 120*30-1
	assert.InDelta(t, 10_000-1001-1101+3599, snap.Cash, 1e-9)

	_, err = e.Submit(ctx, models.Order{Symbol: "A", Direction: models.Flat, Quantity: 100, Type: models.Market, SubmissionTime: day(3)})
	require.NoError(t, err)
	require.NoError(t, e.Step(ctx, tl.Batches[4]))

	snap = e.Snapshot()
	assert.Empty(t, snap.Positions)
	trades = e.ClosedTrades()
	require.Len(t, trades, 2)
	assert.InDelta(t, (90-120)*-10.0, trades[1].PnL, 1e-9)
}

func TestFlatWithoutPositionIsRejected(t *testing.T) {
	ctx := context.Background()
	e, tl := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 100)})
	_, err := e.Submit(ctx, models.Order{Symbol: "A", Direction: models.Flat, Quantity: 1, Type: models.Market, SubmissionTime: day(0)})
	require.NoError(t, err)
	runAll(t, e, tl)

	orders := e.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.StatusRejected, orders[0].Status)
	assert.Equal(t, models.ReasonNothingToClose, orders[0].Reason)
}

func TestMissingBarRejectsWithNoMarketData(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	var alerts []models.AlertPayload
	bus.Subscribe(models.EventAlert, func(_ context.Context, ev models.Event) error {
		alerts = append(alerts, ev.Payload.(models.AlertPayload))
		return nil
	})

	e, tl := newEngine(t, frictionless(), []models.Bar{
		bar("A", 0, 100), bar("B", 0, 50), bar("A", 1, 101), bar("B", 2, 51), bar("A", 2, 102),
	}, WithBus(bus))

	_, err := e.Submit(ctx, models.Order{
		Symbol: "B", Direction: models.Long, Quantity: 1, Type: models.Market,
		SubmissionTime: day(0), ExecutionTime: day(1),
	})
	require.NoError(t, err)
	runAll(t, e, tl)

	orders := e.Orders()
	assert.Equal(t, models.StatusRejected, orders[0].Status)
	assert.Equal(t, models.ReasonNoMarketData, orders[0].Reason)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertNoMarketData, alerts[0].Code)
	assert.Len(t, e.EquityHistory(), tl.Len())
}

func TestInvalidBarRaisesInvalidBarAlert(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	var alerts []models.AlertPayload
	bus.Subscribe(models.EventAlert, func(_ context.Context, ev models.Event) error {
		alerts = append(alerts, ev.Payload.(models.AlertPayload))
		return nil
	})
	e, tl := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 101)}, WithBus(bus))
	require.NoError(t, e.Step(ctx, tl.Batches[0]))

	broken := bar("A", 1, 101)
	broken.High = broken.Low - 1
	require.NoError(t, e.Step(ctx, models.BarBatch{Timestamp: day(1), Bars: []models.Bar{broken}}))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertInvalidBar, alerts[0].Code)
	assert.Equal(t, "A", alerts[0].Symbol)

	// day 1 is marked now, so a second bar for it is out of order
	err := e.ProcessBar(ctx, bar("A", 1, 101))
	assert.ErrorIs(t, err, models.ErrInvalidBar)
	assert.NotErrorIs(t, err, models.ErrNoMarketData)
}

func TestLimitPriceClippedIntoRange(t *testing.T) {
	ctx := context.Background()
	e, tl := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 100)})
	_, err := e.Submit(ctx, models.Order{Symbol: "A", Direction: models.Long, Quantity: 1, Type: models.Limit, LimitPrice: 150, SubmissionTime: day(0)})
	require.NoError(t, err)
	_, err = e.Submit(ctx, models.Order{Symbol: "A", Direction: models.Short, Quantity: 1, Type: models.Limit, LimitPrice: 1, SubmissionTime: day(0)})
	require.NoError(t, err)
	runAll(t, e, tl)

	fills := e.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, 101.0, fills[0].Price)
	assert.Equal(t, 99.0, fills[1].Price)
}

func TestEventsFillsBeforePortfolioUpdate(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	var kinds []models.EventKind
	for _, k := range []models.EventKind{models.EventOrderFilled, models.EventPortfolioUpdated} {
		bus.Subscribe(k, func(_ context.Context, ev models.Event) error {
			kinds = append(kinds, ev.Kind)
			return nil
		})
	}
	e, tl := newEngine(t, frictionless(), []models.Bar{bar("A", 0, 100), bar("A", 1, 100)}, WithBus(bus))
	_, err := e.Submit(ctx, market("A", models.Long, 1, day(0)))
	require.NoError(t, err)
	runAll(t, e, tl)

	assert.Equal(t, []models.EventKind{
		models.EventPortfolioUpdated,
		models.EventOrderFilled,
		models.EventPortfolioUpdated,
	}, kinds)
}

func TestFinishDropsStaleOrdersAndReportIsStable(t *testing.T) {
	ctx := context.Background()
	cfg := frictionless()
	cfg.FeeBps = 10
	cfg.SlippageBps = 5
	bars := []models.Bar{bar("A", 0, 100), bar("A", 1, 102), bar("A", 2, 101), bar("A", 3, 104)}

	run := func() (Report, []models.Order) {
		e, tl := newEngine(t, cfg, bars)
		_, err := e.Submit(ctx, market("A", models.Long, 20, day(0)))
		require.NoError(t, err)
		for i, b := range tl.Batches {
			require.NoError(t, e.Step(ctx, b))
			if i == len(tl.Batches)-1 {
				_, err := e.Submit(ctx, market("A", models.Short, 5, b.Timestamp))
				require.NoError(t, err)
			}
		}
		r := e.Report(ctx, 252)
		assert.Equal(t, r, e.Report(ctx, 252))
		return r, e.Orders()
	}

	r, orders := run()
	assert.Equal(t, models.ReasonEndOfData, orders[1].Reason)
	assert.Equal(t, 1, r.NumTrades)
	assert.Equal(t, 1.0, r.WinRate)
	assert.Greater(t, r.Turnover, 0.0)
	assert.LessOrEqual(t, r.MaxDrawdown, 0.0)
	assert.InDelta(t, r.FinalEquity/cfg.InitialCash-1, r.TotalReturn, 1e-12)

	again, _ := run()
	assert.Equal(t, r, again)

	m := r.Metrics()
	for _, name := range models.StandardMetrics {
		assert.Contains(t, m, name)
	}
}
