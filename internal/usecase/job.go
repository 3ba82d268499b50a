package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"QuantLab/internal/domain/models"
	applogger "QuantLab/pkg/logger"
	"QuantLab/pkg/queue"
)

// JobTypeWalkForward is the queue message type of an async run.
const JobTypeWalkForward = "walkforward.run"

// runLockTTL bounds how long a crashed worker can hold a run.
const runLockTTL = time.Hour

// WalkForwardJob runs queued walk-forward requests. The queue message ID is
// the run ID, so the result can be fetched from the report cache by it.
type WalkForwardJob struct {
	wf *WalkForward
	l  *applogger.Logger
}

func NewWalkForwardJob(wf *WalkForward, l *applogger.Logger) *WalkForwardJob {
	if l == nil {
		l = applogger.Nop()
	}
	return &WalkForwardJob{wf: wf, l: l}
}

func (j *WalkForwardJob) Name() string { return "walkforward" }

func (j *WalkForwardJob) Type() string { return JobTypeWalkForward }

// Handle runs the job. Invalid params and missing data are logged and
// dropped rather than retried. A redelivered run that already finished is
// skipped, and one still held by another worker is retried later.
func (j *WalkForwardJob) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.ParsePayload[RunParams](payload)
	if err != nil {
		j.l.Error("bad walk-forward payload", applogger.Error(err))
		return nil
	}
	if p.RunID != "" {
		if _, err := j.wf.Get(ctx, p.RunID); err == nil {
			j.l.Info("walk-forward job already done", applogger.String("run_id", p.RunID))
			return nil
		}
		release, ok, err := j.wf.claim(ctx, p.RunID, runLockTTL)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", p.RunID, err)
		}
		if !ok {
			return fmt.Errorf("run %s is held by another worker", p.RunID)
		}
		defer release()
	}

	report, err := j.wf.Run(ctx, *p)
	if errors.Is(err, models.ErrInvalidConfig) || errors.Is(err, models.ErrNoMarketData) {
		j.l.Error("walk-forward job rejected", applogger.String("run_id", p.RunID), applogger.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("walk-forward %s: %w", p.RunID, err)
	}
	j.l.Info("walk-forward job done",
		applogger.String("run_id", report.RunID),
		applogger.Int("folds", len(report.Folds)),
		applogger.Int("failed", report.Failed),
	)
	return nil
}

var _ queue.Job = (*WalkForwardJob)(nil)
