package strategy

import (
	"context"
	"math"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/services/perf"
)

const defaultEntryZ = 1.0

// MeanReversion fades closes that sit more than threshold standard
// deviations away from their lookback mean.
type MeanReversion struct {
	lookback int
	entryZ   float64
}

func NewMeanReversion(lookback int, threshold float64) *MeanReversion {
	if threshold <= 0 {
		threshold = defaultEntryZ
	}
	return &MeanReversion{lookback: lookback, entryZ: threshold}
}

func (m *MeanReversion) Name() string { return NameMeanReversion }

// Fit is a no-op; the z-score is computed on the window alone.
func (m *MeanReversion) Fit(context.Context, []models.Bar) error { return nil }

func (m *MeanReversion) Signal(_ context.Context, _ string, window []models.Bar) (models.Signal, error) {
	if len(window) < m.lookback {
		return models.Hold, nil
	}
	closes := make([]float64, m.lookback)
	for i, b := range window[len(window)-m.lookback:] {
		closes[i] = b.Close
	}
	sd := perf.SampleStd(closes)
	if sd <= 0 {
		return models.Hold, nil
	}
	z := (closes[len(closes)-1] - perf.Mean(closes)) / sd
	if math.Abs(z) <= m.entryZ {
		return models.Hold, nil
	}
	dir := -1
	if z < 0 {
		dir = 1
	}
	return models.Signal{Direction: dir, Confidence: confidence(math.Abs(z)-m.entryZ, m.entryZ)}.Clamp(), nil
}
