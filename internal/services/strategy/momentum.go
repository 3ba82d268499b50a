package strategy

import (
	"context"
	"math"

	"QuantLab/internal/domain/models"
)

// Momentum goes with the sign of the lookback return when it clears the
// threshold.
type Momentum struct {
	lookback  int
	threshold float64
	scale     volScale
}

func NewMomentum(lookback int, threshold float64) *Momentum {
	return &Momentum{lookback: lookback, threshold: threshold}
}

func (m *Momentum) Name() string { return NameMomentum }

func (m *Momentum) Fit(_ context.Context, train []models.Bar) error {
	m.scale.fit(train)
	return nil
}

func (m *Momentum) Signal(_ context.Context, symbol string, window []models.Bar) (models.Signal, error) {
	if len(window) <= m.lookback {
		return models.Hold, nil
	}
	past := window[len(window)-1-m.lookback].Close
	if past <= 0 {
		return models.Hold, nil
	}
	ret := window[len(window)-1].Close/past - 1
	if math.Abs(ret) <= m.threshold {
		return models.Hold, nil
	}

	dir := 1
	if ret < 0 {
		dir = -1
	}
	// lookback-period vol of the train range
	scale := 0.0
	if v, ok := m.scale.get(symbol); ok {
		scale = v * math.Sqrt(float64(m.lookback))
	}
	return models.Signal{Direction: dir, Confidence: confidence(math.Abs(ret), scale)}.Clamp(), nil
}
