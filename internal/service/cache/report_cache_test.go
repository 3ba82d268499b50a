package cache

import (
	"context"
	"testing"
	"time"

	"QuantLab/internal/domain/models"
	pkgcache "QuantLab/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	c := NewReportCache(mem, time.Hour, nil)

	_, ok := c.GetFold(ctx, "x")
	assert.False(t, ok)

	fr := models.FoldReport{FoldIndex: 3, Metrics: map[string]float64{models.MetricSharpe: 1.25}}
	require.NoError(t, c.PutFold(ctx, "x", fr))
	got, ok := c.GetFold(ctx, "x")
	require.True(t, ok)
	assert.Equal(t, 3, got.FoldIndex)
	assert.Equal(t, 1.25, got.Metrics[models.MetricSharpe])

	require.NoError(t, c.PutRun(ctx, models.WFReport{RunID: "r1", Failed: 1}))
	run, ok := c.GetRun(ctx, "r1")
	require.True(t, ok)
	assert.Equal(t, 1, run.Failed)
}

func TestReportCacheKeepsEquityAndFills(t *testing.T) {
	ctx := context.Background()
	mem := pkgcache.NewMemoryCache()
	defer mem.Close()
	c := NewReportCache(mem, time.Hour, nil)

	ts := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	fr := models.FoldReport{
		FoldIndex: 1,
		Metrics:   map[string]float64{models.MetricNumTrades: 1},
		Equity:    []models.EquityPoint{{Timestamp: ts, Equity: 100_000}, {Timestamp: ts.AddDate(0, 0, 1), Equity: 100_250}},
		Fills:     []models.Fill{{OrderID: "f1-AAA-0", Symbol: "AAA", Price: 101.5, Quantity: 10, Timestamp: ts}},
	}
	require.NoError(t, c.PutFold(ctx, "k", fr))

	got, ok := c.GetFold(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, fr.Equity, got.Equity)
	require.Len(t, got.Fills, 1)
	assert.Equal(t, "f1-AAA-0", got.Fills[0].OrderID)
	assert.Equal(t, 101.5, got.Fills[0].Price)
	assert.True(t, ts.Equal(got.Fills[0].Timestamp))
}

func TestFoldKeyDependsOnInputs(t *testing.T) {
	bars := []models.Bar{{Symbol: "A", Close: 1}}
	f := models.Fold{Index: 0, Train: models.Range{Start: 0, End: 10}}
	k := FoldKey(f, bars, map[string]int{"lookback": 5})

	assert.Equal(t, k, FoldKey(f, bars, map[string]int{"lookback": 5}))
	assert.NotEqual(t, k, FoldKey(f, bars, map[string]int{"lookback": 6}))
	f.Index = 1
	assert.NotEqual(t, k, FoldKey(f, bars, map[string]int{"lookback": 5}))
}
