package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"QuantLab/internal/domain/models"
)

// Scheduler is what a simulated venue needs from the execution engine.
type Scheduler interface {
	Submit(ctx context.Context, o models.Order) (models.Order, error)
}

// EngineVenue schedules orders on the engine; they fill at the symbol's
// next bar open.
type EngineVenue struct {
	name   string
	engine Scheduler
}

func NewEngineVenue(name string, engine Scheduler) *EngineVenue {
	return &EngineVenue{name: name, engine: engine}
}

func (v *EngineVenue) Name() string { return v.name }

func (v *EngineVenue) Submit(ctx context.Context, o models.Order) (models.Order, error) {
	if o.StrategyTag == "" {
		o.StrategyTag = v.name
	}
	return v.engine.Submit(ctx, o)
}

// FlakyVenue fails a seeded fraction of submissions with ErrTransient
// before delegating.
type FlakyVenue struct {
	next Venue
	rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlakyVenue(next Venue, failureRate float64, seed int64) *FlakyVenue {
	return &FlakyVenue{next: next, rate: failureRate, rng: rand.New(rand.NewSource(seed))}
}

func (v *FlakyVenue) Name() string { return v.next.Name() }

func (v *FlakyVenue) Submit(ctx context.Context, o models.Order) (models.Order, error) {
	v.mu.Lock()
	fail := v.rng.Float64() < v.rate
	v.mu.Unlock()
	if fail {
		return o, fmt.Errorf("%w: %s dropped order for %s", ErrTransient, v.next.Name(), o.Symbol)
	}
	return v.next.Submit(ctx, o)
}
