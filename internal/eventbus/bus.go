package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"QuantLab/internal/domain/models"
	applogger "QuantLab/pkg/logger"

	"github.com/google/uuid"
)

// Handler reacts to one event. Returned errors never stop dispatch.
type Handler func(ctx context.Context, ev models.Event) error

// Option configures Bus.
type Option func(*Bus)

// Bus is a synchronous publish/subscribe dispatcher. Each run or fold owns
// its own Bus; there is no package-level instance.
//
// The registry lock is held only while handlers are looked up, never while
// they run, so a handler may publish again. Nested events are fully handled
// before the outer Publish continues (depth-first).
type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventKind][]Handler
	seq    atomic.Uint64
	ns     uuid.UUID
	source string
	l      *applogger.Logger
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *applogger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.l = l
		}
	}
}

// WithNamespace sets the namespace event IDs are derived from. Two buses
// with the same namespace and the same publish sequence emit the same IDs.
func WithNamespace(ns uuid.UUID) Option {
	return func(b *Bus) { b.ns = ns }
}

// WithSource sets the default Source stamped on events that have none.
func WithSource(source string) Option {
	return func(b *Bus) { b.source = source }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[models.EventKind][]Handler),
		ns:     uuid.NameSpaceOID,
		source: "bus",
		l:      applogger.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of exactly kind.
func (b *Bus) Subscribe(kind models.EventKind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.mu.Unlock()
}

// HandlerCount returns the number of handlers registered for kind.
func (b *Bus) HandlerCount(kind models.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[models.EventKind][]Handler)
	b.mu.Unlock()
}

// Emit builds an event and publishes it.
func (b *Bus) Emit(ctx context.Context, kind models.EventKind, ts time.Time, source string, payload interface{}) error {
	return b.Publish(ctx, models.Event{Kind: kind, Timestamp: ts, Source: source, Payload: payload})
}

// Publish invokes every handler of ev.Kind in subscription order. A failing
// or panicking handler is logged and reported as an Alert event; the other
// handlers still run. Only a cancelled ctx is returned as an error.
func (b *Bus) Publish(ctx context.Context, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = b.nextID()
	}
	if ev.Source == "" {
		ev.Source = b.source
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[ev.Kind]))
	copy(handlers, b.subs[ev.Kind])
	b.mu.RUnlock()

	for i, h := range handlers {
		err := safeCall(ctx, h, ev)
		if err == nil {
			continue
		}
		b.l.Warn("event handler failed",
			applogger.String("kind", string(ev.Kind)),
			applogger.String("event_id", ev.ID),
			applogger.Int("handler", i),
			applogger.Error(err),
		)
		// alert handlers failing are only logged, otherwise a broken alert
		// sink would loop forever
		if ev.Kind == models.EventAlert {
			continue
		}
		_ = b.Publish(ctx, models.Event{
			Kind:      models.EventAlert,
			Timestamp: ev.Timestamp,
			Source:    "eventbus",
			Payload: models.AlertPayload{
				Code:    models.AlertHandlerError,
				Message: fmt.Sprintf("%s handler %d: %v", ev.Kind, i, err),
			},
		})
	}
	return nil
}

func (b *Bus) nextID() string {
	n := b.seq.Add(1)
	return uuid.NewSHA1(b.ns, []byte(strconv.FormatUint(n, 10))).String()
}

func safeCall(ctx context.Context, h Handler, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
