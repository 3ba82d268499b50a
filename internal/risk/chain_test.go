package risk

import (
	"math"
	"testing"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/services/features"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAllocationPerAsset = 0.5
	cfg.SectorCaps = map[string]float64{"tech": 0.30}
	cfg.MaxDrawdown = 0.05
	return cfg
}

// alternating returns with sample std close to r
func noisyReturns(n int, r float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = r
		} else {
			out[i] = -r
		}
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MaxAllocationPerAsset = 0
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxCorrelation = 1.5
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidConfig)
}

func TestRegimeGate(t *testing.T) {
	cfg := testConfig()
	cfg.RegimeThreshold = 0.5
	d := RegimeGate{}.Validate(&models.RiskContext{RegimeScore: 0.2, ProposedWeight: 0.1}, cfg)
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonRegimeBelowThreshold, d.Reason)

	d = RegimeGate{}.Validate(&models.RiskContext{RegimeScore: 0.7, ProposedWeight: 0.1}, cfg)
	assert.True(t, d.Approved)
	assert.Equal(t, 0.1, d.Weight)
}

func TestConfidenceGateOnlyBlocksNewRisk(t *testing.T) {
	cfg := testConfig()
	cfg.MinConfidence = 0.4

	d := RegimeGate{}.Validate(&models.RiskContext{Signal: 1, Confidence: 0.1, ProposedWeight: 1}, cfg)
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonLowConfidence, d.Reason)

	d = RegimeGate{}.Validate(&models.RiskContext{Signal: 1, Confidence: 0.6, ProposedWeight: 1}, cfg)
	assert.True(t, d.Approved)

	// closing a long on a weak signal still passes
	d = RegimeGate{}.Validate(&models.RiskContext{Confidence: 0, CurrentWeight: 0.3, ProposedWeight: 0}, cfg)
	assert.True(t, d.Approved)

	cfg.MinConfidence = 1.5
	assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidConfig)
}

func TestLiquidityGate(t *testing.T) {
	cfg := testConfig()
	cfg.MinADVFraction = 0.01
	d := LiquidityGate{}.Validate(&models.RiskContext{ADVFraction: 0.001}, cfg)
	assert.Equal(t, models.ReasonInsufficientLiquidity, d.Reason)
	assert.True(t, LiquidityGate{}.Validate(&models.RiskContext{ADVFraction: 0.5}, cfg).Approved)
}

func TestVolTargetSizer(t *testing.T) {
	cfg := testConfig()
	cfg.VolWindow = 20
	rets := noisyReturns(20, 0.01)
	realized := features.TrailingStd(rets, 20)
	want := 0.15 / math.Sqrt(252) / realized

	d := VolTargetSizer{}.Validate(&models.RiskContext{Signal: 1, Returns: rets}, cfg)
	require.True(t, d.Approved)
	assert.InDelta(t, want, d.Weight, 1e-12)

	d = VolTargetSizer{}.Validate(&models.RiskContext{Signal: -1, Returns: rets}, cfg)
	assert.InDelta(t, -want, d.Weight, 1e-12)

	t.Run("zero vol gives zero weight", func(t *testing.T) {
		d := VolTargetSizer{}.Validate(&models.RiskContext{Signal: 1, Returns: make([]float64, 20)}, cfg)
		assert.True(t, d.Approved)
		assert.Equal(t, 0.0, d.Weight)
	})

	t.Run("clamped to max weight", func(t *testing.T) {
		cfg := cfg
		cfg.MaxWeight = 0.3
		d := VolTargetSizer{}.Validate(&models.RiskContext{Signal: 1, Returns: noisyReturns(20, 0.0001)}, cfg)
		assert.Equal(t, 0.3, d.Weight)
	})

	t.Run("hold flattens", func(t *testing.T) {
		d := VolTargetSizer{}.Validate(&models.RiskContext{Signal: 0, Returns: rets}, cfg)
		assert.Equal(t, 0.0, d.Weight)
	})
}

func TestSectorCapLeavesRoomUnderCap(t *testing.T) {
	rc := &models.RiskContext{
		Symbol:         "NEW",
		Sector:         "tech",
		ProposedWeight: 0.50,
		SectorWeights:  map[string]float64{"OLD": 0.10},
	}
	d := SectorCap{}.Validate(rc, testConfig())
	require.True(t, d.Approved)
	assert.InDelta(t, 0.20, d.Weight, 1e-12)

	rc.ProposedWeight = -0.50
	d = SectorCap{}.Validate(rc, testConfig())
	assert.InDelta(t, -0.20, d.Weight, 1e-12)

	rc.ProposedWeight = 0.15
	assert.InDelta(t, 0.15, SectorCap{}.Validate(rc, testConfig()).Weight, 1e-12)

	rc.Sector = "energy"
	rc.ProposedWeight = 0.9
	assert.Equal(t, 0.9, SectorCap{}.Validate(rc, testConfig()).Weight)
}

func TestSectorCapIgnoresOwnCurrentWeight(t *testing.T) {
	rc := &models.RiskContext{
		Symbol:         "A",
		Sector:         "tech",
		CurrentWeight:  0.10,
		ProposedWeight: 0.40,
		SectorWeights:  map[string]float64{"A": 0.10, "B": 0.05},
	}
	assert.InDelta(t, 0.25, SectorCap{}.Validate(rc, testConfig()).Weight, 1e-12)
}

func TestCorrelationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCorrelation = 0.8
	a := []float64{0.01, 0.02, -0.01, 0.03, -0.02, 0.01}
	twin := make([]float64, len(a))
	for i, r := range a {
		twin[i] = 2 * r
	}
	rc := &models.RiskContext{
		Symbol:            "A",
		ProposedWeight:    0.2,
		Returns:           a,
		CorrelationWindow: map[string][]float64{"B": twin, "C": {0.01, -0.01, 0.01, -0.01, 0.01, -0.01}},
	}
	d := CorrelationCap{}.Validate(rc, cfg)
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonCorrelationCap, d.Reason)
	assert.Contains(t, d.Detail, "B 1.0000")

	t.Run("reductions pass", func(t *testing.T) {
		rc := *rc
		rc.CurrentWeight = 0.3
		assert.True(t, CorrelationCap{}.Validate(&rc, cfg).Approved)
	})
}

func TestAssetCap(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 0.5, AssetCap{}.Validate(&models.RiskContext{ProposedWeight: 0.9}, cfg).Weight)
	assert.Equal(t, -0.5, AssetCap{}.Validate(&models.RiskContext{ProposedWeight: -0.9}, cfg).Weight)
}

func TestCircuitBreakerLatchesAndAllowsFlattening(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	var trips []string
	cb.OnTrip(func(reason string) { trips = append(trips, reason) })
	cfg := testConfig()

	rc := &models.RiskContext{ProposedWeight: 0.2, EquityHistory: []float64{100, 102, 101, 95}}
	d := cb.Validate(rc, cfg)
	assert.False(t, d.Approved)
	assert.Equal(t, models.ReasonCircuitBreaker, d.Reason)
	assert.True(t, cb.Tripped())

	// recovered equity does not clear the latch
	rc.EquityHistory = []float64{100, 102, 103}
	assert.False(t, cb.Validate(rc, cfg).Approved)

	flat := &models.RiskContext{CurrentWeight: 0.2, ProposedWeight: 0, EquityHistory: rc.EquityHistory}
	assert.True(t, cb.Validate(flat, cfg).Approved)
	reduce := &models.RiskContext{CurrentWeight: 0.2, ProposedWeight: 0.1}
	assert.True(t, cb.Validate(reduce, cfg).Approved)

	cb.Disarm()
	assert.True(t, cb.Validate(rc, cfg).Approved)
	assert.Equal(t, []string{models.ReasonCircuitBreaker}, trips)
}

func TestKillSwitch(t *testing.T) {
	ks := NewKillSwitch()
	cb := NewCircuitBreaker(ks)
	cfg := testConfig()
	ks.Arm()
	d := cb.Validate(&models.RiskContext{ProposedWeight: 0.1}, cfg)
	assert.Equal(t, models.ReasonKillSwitch, d.Reason)
	assert.ErrorIs(t, d.Err(), models.ErrCircuitBreakerTripped)

	assert.True(t, cb.Validate(&models.RiskContext{CurrentWeight: -0.1, ProposedWeight: 0}, cfg).Approved)
	ks.Disarm()
	assert.True(t, cb.Validate(&models.RiskContext{ProposedWeight: 0.1}, cfg).Approved)
}

type recordingValidator struct {
	name   string
	seen   *[]float64
	result models.RiskDecision
}

func (r recordingValidator) Name() string { return r.name }

func (r recordingValidator) Validate(rc *models.RiskContext, _ Config) models.RiskDecision {
	*r.seen = append(*r.seen, rc.ProposedWeight)
	return r.result
}

func TestChainThreadsWeightAndFailsFast(t *testing.T) {
	var seen []float64
	chain := NewChain(testConfig(),
		recordingValidator{"a", &seen, models.Approve(0.4)},
		recordingValidator{"b", &seen, models.Approve(0.3)},
		recordingValidator{"c", &seen, models.Reject("Nope", "")},
		recordingValidator{"d", &seen, models.Approve(0.1)},
	)
	d := chain.Evaluate(models.RiskContext{ProposedWeight: 0.9})
	assert.False(t, d.Approved)
	assert.Equal(t, "c", d.Validator)
	assert.Equal(t, "Nope", d.Reason)
	assert.Equal(t, []float64{0.9, 0.4, 0.3}, seen)
}

func TestChainFinalClamp(t *testing.T) {
	var seen []float64
	chain := NewChain(testConfig(), recordingValidator{"a", &seen, models.Approve(3)})
	assert.Equal(t, 0.5, chain.Evaluate(models.RiskContext{}).Weight)
}

func TestDefaultChainEndToEnd(t *testing.T) {
	cfg := testConfig()
	chain := DefaultChain(cfg, NewKillSwitch())
	require.NotNil(t, chain.Breaker())
	require.Len(t, chain.Validators(), 7)

	rc := models.RiskContext{
		Symbol:        "NEW",
		Signal:        1,
		Sector:        "tech",
		Returns:       noisyReturns(30, 0.001),
		SectorWeights: map[string]float64{"OLD": 0.10},
		EquityHistory: []float64{100, 101},
	}
	d := chain.Evaluate(rc)
	require.True(t, d.Approved)
	assert.InDelta(t, 0.20, d.Weight, 1e-12)
	assert.Equal(t, 0.0, rc.ProposedWeight)
}
