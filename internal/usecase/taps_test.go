package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"QuantLab/internal/domain/models"
	"QuantLab/internal/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu    sync.Mutex
	kinds []models.EventKind
	err   error
}

func (p *fakePublisher) PublishEvent(_ context.Context, _ string, _ int, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, ev.Kind)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

func TestPublisherTapForwardsSelectedKinds(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	bus := eventbus.New()
	NewPublisherTap(pub, nil, nil).Attach(bus, "run", 0)

	for _, k := range []models.EventKind{models.EventBarData, models.EventFeaturesReady, models.EventOrderFilled, models.EventAlert} {
		require.NoError(t, bus.Emit(ctx, k, t0, "test", nil))
	}
	assert.Equal(t, []models.EventKind{models.EventOrderFilled, models.EventAlert}, pub.kinds)
}

func TestPublisherTapSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{err: errors.New("broker down")}
	bus := eventbus.New()
	NewPublisherTap(pub, nil, nil).Attach(bus, "run", 0)

	var handlerErrors int
	bus.Subscribe(models.EventAlert, func(_ context.Context, ev models.Event) error {
		if a, ok := ev.Payload.(models.AlertPayload); ok && a.Code == models.AlertHandlerError {
			handlerErrors++
		}
		return nil
	})
	require.NoError(t, bus.Emit(ctx, models.EventOrderFilled, t0, "test", models.Fill{}))
	assert.Len(t, pub.kinds, 1)
	assert.Zero(t, handlerErrors)
}
