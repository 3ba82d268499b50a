package repository

import (
	"context"
	"time"

	"QuantLab/internal/domain/models"
)

// BarStore provides read-only access to historical bars.
type BarStore interface {
	GetBars(ctx context.Context, symbols []string, from, to time.Time, tf Timeframe) ([]models.Bar, error)
}

// ResultSink persists run outputs as flat tabular records.
type ResultSink interface {
	SaveEquity(ctx context.Context, runID string, fold int, points []models.EquityPoint) error
	SaveTrades(ctx context.Context, runID string, fold int, fills []models.Fill) error
	SaveFoldReports(ctx context.Context, runID string, reports []models.FoldReport) error
}

// EventPublisher forwards bus events to an external stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, runID string, fold int, ev models.Event) error
	Close() error
}

// ReportCache stores fold and run reports.
type ReportCache interface {
	GetFold(ctx context.Context, key string) (models.FoldReport, bool)
	PutFold(ctx context.Context, key string, r models.FoldReport) error
	GetRun(ctx context.Context, runID string) (models.WFReport, bool)
	PutRun(ctx context.Context, r models.WFReport) error
}

// RunLocker is implemented by report caches that can hold a run ID while a
// worker executes it.
type RunLocker interface {
	LockRun(ctx context.Context, runID string, ttl time.Duration) (bool, error)
	UnlockRun(ctx context.Context, runID string) error
}

type Metrics interface {
	RecordFill(symbol string, notional float64)
	RecordOrderRejected(reason string)
	RecordRiskDecision(validator, outcome string)
	RecordGatewayAck(status string)
	RecordFold(status string, seconds float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
