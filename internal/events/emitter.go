package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"famtasks/internal/metrics"
)

// Handler receives emitted events. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev TransitionEvent) error

type subscriber struct {
	name    string
	handler Handler
}

// Emitter fans events out synchronously to subscribers in registration order.
type Emitter struct {
	mu      sync.RWMutex
	subs    []subscriber
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEmitter(logger *slog.Logger, m *metrics.Metrics) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger, metrics: m}
}

// Subscribe registers a handler under a name used in logs.
func (e *Emitter) Subscribe(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, subscriber{name: name, handler: h})
}

// NewCorrelationID returns a fresh id for one originating transition.
func (e *Emitter) NewCorrelationID() string {
	return uuid.New().String()
}

// Emit delivers ev to every subscriber. A failing or panicking subscriber
// does not prevent later subscribers from receiving the event.
func (e *Emitter) Emit(ctx context.Context, ev TransitionEvent) {
	e.mu.RLock()
	subs := make([]subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		if err := e.deliver(ctx, s, ev); err != nil {
			e.metrics.SubscriberFailed(s.name)
			e.logger.Error("event subscriber failed",
				"subscriber", s.name,
				"event", ev.Type,
				"instance_id", ev.InstanceID,
				"correlation_id", ev.CorrelationID,
				"error", err)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, s subscriber, ev TransitionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev.Clone())
}
