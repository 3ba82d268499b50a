// Package walkforward generates chronological train/test folds and runs
// them in parallel.
package walkforward

import (
	"fmt"

	"QuantLab/internal/domain/models"
)

// Fold placement modes.
const (
	ModeRolling   = "rolling"
	ModeExpanding = "expanding"
	ModeSplit     = "split"
)

// Config describes fold geometry in bars (timeline indices).
type Config struct {
	TrainSize int
	TestSize  int
	Gap       int
	NFolds    int // 0 means as many as fit; required count in split mode
	Mode      string
	Workers   int
}

func (c Config) Validate() error {
	switch {
	case c.TrainSize <= 0:
		return fmt.Errorf("%w: train_size must be > 0, got %d", models.ErrInvalidConfig, c.TrainSize)
	case c.TestSize <= 0:
		return fmt.Errorf("%w: test_size must be > 0, got %d", models.ErrInvalidConfig, c.TestSize)
	case c.Gap < 0:
		return fmt.Errorf("%w: gap must be >= 0, got %d", models.ErrInvalidConfig, c.Gap)
	case c.NFolds < 0:
		return fmt.Errorf("%w: n_folds must be >= 0, got %d", models.ErrInvalidConfig, c.NFolds)
	}
	switch c.Mode {
	case "", ModeRolling, ModeExpanding, ModeSplit:
	default:
		return fmt.Errorf("%w: unknown walk-forward mode %q", models.ErrInvalidConfig, c.Mode)
	}
	return nil
}

// Folds returns the folds for a series of n bars in time order. Every fold
// satisfies Test.Start >= Train.End+Gap, and test ranges never overlap.
func (s *Scheduler) Folds(n int) []models.Fold {
	switch s.cfg.Mode {
	case ModeSplit:
		return s.splitFolds(n)
	case ModeExpanding:
		return s.stepFolds(n, true)
	}
	return s.stepFolds(n, false)
}

// stepFolds places fold k's test range at train + k*test + gap. Rolling
// training windows keep train_size bars; expanding ones start at 0.
func (s *Scheduler) stepFolds(n int, expanding bool) []models.Fold {
	c := s.cfg
	var out []models.Fold
	for k := 0; ; k++ {
		if c.NFolds > 0 && k >= c.NFolds {
			break
		}
		testStart := c.TrainSize + k*c.TestSize + c.Gap
		if testStart+c.TestSize > n {
			break
		}
		trainEnd := testStart - c.Gap
		trainStart := k * c.TestSize
		if expanding {
			trainStart = 0
		}
		out = append(out, models.Fold{
			Index: k,
			Train: models.Range{Start: trainStart, End: trainEnd},
			Test:  models.Range{Start: testStart, End: testStart + c.TestSize},
		})
	}
	return out
}

// splitFolds follows time-series-split semantics: the last NFolds test
// windows of the series, each trained on at most TrainSize bars ending Gap
// bars before its test window. Folds without any training bar are skipped.
func (s *Scheduler) splitFolds(n int) []models.Fold {
	c := s.cfg
	splits := c.NFolds
	if splits == 0 {
		splits = (n - c.TrainSize - c.Gap) / c.TestSize
	}
	var out []models.Fold
	for i := 0; i < splits; i++ {
		testStart := n - (splits-i)*c.TestSize
		trainEnd := testStart - c.Gap
		if testStart < 0 || trainEnd <= 0 {
			continue
		}
		trainStart := trainEnd - c.TrainSize
		if trainStart < 0 {
			trainStart = 0
		}
		out = append(out, models.Fold{
			Index: len(out),
			Train: models.Range{Start: trainStart, End: trainEnd},
			Test:  models.Range{Start: testStart, End: testStart + c.TestSize},
		})
	}
	return out
}
