package walkforward

import (
	"context"
	"fmt"
	"math"
	"time"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/domain/repository"
	applogger "QuantLab/pkg/logger"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// FoldFunc runs one fold. It must not share mutable state with other folds.
type FoldFunc func(ctx context.Context, fold models.Fold) (models.FoldReport, error)

type Option func(*Scheduler)

func WithLogger(l *applogger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.l = l
		}
	}
}

func WithMetrics(m repository.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

type Scheduler struct {
	cfg     Config
	l       *applogger.Logger
	metrics repository.Metrics
}

// NewScheduler fails with ErrInvalidConfig on contradictory geometry.
func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRolling
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	s := &Scheduler{cfg: cfg, l: applogger.Nop(), metrics: repository.NopMetrics{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// Run evaluates every fold of an n-bar series on a bounded worker pool.
// Reports come back in fold order. A fold that errors or panics is logged,
// counted in Failed and reported with zeroed metrics.
func (s *Scheduler) Run(ctx context.Context, n int, fn FoldFunc) models.WFReport {
	started := time.Now()
	folds := s.Folds(n)
	reports := make([]models.FoldReport, len(folds))
	failed := make([]bool, len(folds))

	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for i, fold := range folds {
		p.Go(func() {
			t0 := time.Now()
			r, err := s.runOne(ctx, fold, fn)
			status := "ok"
			if err != nil {
				status = "failed"
				failed[i] = true
				r = failedReport(fold, err)
				s.l.Error("fold failed",
					applogger.Int("fold", fold.Index),
					applogger.Int("test_start", fold.Test.Start),
					applogger.Error(err),
				)
			}
			s.metrics.RecordFold(status, time.Since(t0).Seconds())
			reports[i] = r
		})
	}
	p.Wait()

	out := models.WFReport{Folds: reports, StartedAt: started}
	for _, f := range failed {
		if f {
			out.Failed++
		}
	}
	out.Aggregate = Aggregate(reports)
	out.Duration = time.Since(started)
	return out
}

func (s *Scheduler) runOne(ctx context.Context, fold models.Fold, fn FoldFunc) (r models.FoldReport, err error) {
	if err := ctx.Err(); err != nil {
		return r, err
	}
	var pc panics.Catcher
	pc.Try(func() { r, err = fn(ctx, fold) })
	if rec := pc.Recovered(); rec != nil {
		return models.FoldReport{}, fmt.Errorf("fold %d panicked: %v", fold.Index, rec.Value)
	}
	if err != nil {
		return r, err
	}
	r.FoldIndex = fold.Index
	r.Train = fold.Train
	r.Test = fold.Test
	return r, nil
}

func failedReport(fold models.Fold, err error) models.FoldReport {
	m := make(map[string]float64, len(models.StandardMetrics))
	for _, name := range models.StandardMetrics {
		m[name] = 0
	}
	return models.FoldReport{
		FoldIndex: fold.Index,
		Train:     fold.Train,
		Test:      fold.Test,
		Metrics:   m,
		Error:     err.Error(),
	}
}

// Aggregate averages every metric across reports. NaN or infinite values
// count as 0, as do metrics a report lacks. With no reports every standard
// metric is 0.
func Aggregate(reports []models.FoldReport) map[string]float64 {
	names := map[string]struct{}{}
	for _, name := range models.StandardMetrics {
		names[name] = struct{}{}
	}
	for _, r := range reports {
		for name := range r.Metrics {
			names[name] = struct{}{}
		}
	}

	out := make(map[string]float64, len(names))
	for name := range names {
		if len(reports) == 0 {
			out[name] = 0
			continue
		}
		sum := 0.0
		for _, r := range reports {
			v := r.Metrics[name]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			sum += v
		}
		out[name] = sum / float64(len(reports))
	}
	return out
}
