package usecase

import (
	"context"

	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	"QuantLab/internal/eventbus"
	applogger "QuantLab/pkg/logger"
)

// ForwardedKinds are the event kinds streamed out of a fold. Bars and
// features stay on the bus.
var ForwardedKinds = []models.EventKind{
	models.EventSignalGenerated,
	models.EventRiskApproved,
	models.EventOrderFilled,
	models.EventPortfolioUpdated,
	models.EventAlert,
}

// PublisherTap forwards fold events to an EventPublisher. A publish failure
// is logged and counted but never fails the fold.
type PublisherTap struct {
	pub     drepo.EventPublisher
	l       *applogger.Logger
	metrics drepo.Metrics
}

func NewPublisherTap(pub drepo.EventPublisher, l *applogger.Logger, m drepo.Metrics) *PublisherTap {
	if l == nil {
		l = applogger.Nop()
	}
	if m == nil {
		m = drepo.NopMetrics{}
	}
	return &PublisherTap{pub: pub, l: l, metrics: m}
}

func (t *PublisherTap) Attach(bus *eventbus.Bus, runID string, fold int) {
	h := func(ctx context.Context, ev models.Event) error {
		if err := t.pub.PublishEvent(ctx, runID, fold, ev); err != nil {
			t.metrics.RecordError("publish")
			t.l.Warn("event publish failed",
				applogger.String("run_id", runID),
				applogger.Int("fold", fold),
				applogger.String("kind", string(ev.Kind)),
				applogger.Error(err),
			)
		}
		return nil
	}
	for _, kind := range ForwardedKinds {
		bus.Subscribe(kind, h)
	}
}

// AlertLogTap logs every alert at warn level.
type AlertLogTap struct {
	l *applogger.Logger
}

func NewAlertLogTap(l *applogger.Logger) *AlertLogTap {
	if l == nil {
		l = applogger.Nop()
	}
	return &AlertLogTap{l: l}
}

func (t *AlertLogTap) Attach(bus *eventbus.Bus, runID string, fold int) {
	bus.Subscribe(models.EventAlert, func(_ context.Context, ev models.Event) error {
		a, _ := ev.Payload.(models.AlertPayload)
		t.l.Warn("alert",
			applogger.String("run_id", runID),
			applogger.Int("fold", fold),
			applogger.String("code", a.Code),
			applogger.String("symbol", a.Symbol),
			applogger.String("message", a.Message),
			applogger.Time("ts", ev.Timestamp),
		)
		return nil
	})
}
