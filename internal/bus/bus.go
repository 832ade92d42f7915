// Package bus provides the synchronous in-process event bus that wires
// pipeline stages to the run engine.
package bus

import (
	"log/slog"
	"sync"

	"github.com/seisho-ai/seisho/internal/model"
)

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine, in subscription order.
type Handler func(model.Event)

// Bus is a synchronous fan-out event bus. Publish delivers to every
// subscriber before returning; a panicking subscriber is logged and
// skipped without affecting the publisher or later subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []Handler
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for all subsequent events. There is no
// unsubscribe; the bus lives as long as the engine that owns it.
func (b *Bus) Subscribe(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers ev to every subscriber in subscription order.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.logger.Debug("bus: event",
		"run_id", ev.RunID,
		"stage", ev.Stage,
		"type", ev.Type,
		"message", ev.Message,
	)
	for _, fn := range subs {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Handler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: subscriber panic",
				"run_id", ev.RunID,
				"type", ev.Type,
				"panic", r,
			)
		}
	}()
	fn(ev)
}
