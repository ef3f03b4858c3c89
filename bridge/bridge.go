// Package bridge ingests raw text messages from the visualization surface,
// validates them against the contract and dispatches each event to the handlers
// registered for its type.
//
// The bridge never panics and never returns errors to its caller. A message that
// fails to parse or validate is logged and dropped. A handler that fails, panics
// or overruns its timeout is logged and the remaining handlers still run.
//
// Several handlers may be registered for one event type. They run in
// registration order, one at a time. A handler that overruns its timeout is
// reported and its context cancelled, but the next handler does not start
// until it returns, so handler side effects stay in message order.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/citysync/contract"
	"github.com/c360/citysync/metric"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes one validated inbound event.
type Handler func(ctx context.Context, event contract.InboundEvent) error

// Stats is a point-in-time view of bridge counters.
type Stats struct {
	Processed     uint64
	Dropped       uint64
	Unhandled     uint64
	HandlerErrors uint64
	Timeouts      uint64
}

// Bridge dispatches inbound events to registered handlers.
type Bridge struct {
	validator *contract.Validator
	logger    *slog.Logger
	timeout   time.Duration
	metrics   *bridgeMetrics

	mu       sync.RWMutex
	handlers map[contract.EventType][]Handler

	// runMu serializes handler execution across Dispatch callers. overrun is
	// the result channel of a handler still running past its timeout.
	runMu   sync.Mutex
	overrun <-chan error

	processed     atomic.Uint64
	dropped       atomic.Uint64
	unhandled     atomic.Uint64
	handlerErrors atomic.Uint64
	timeouts      atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHandlerTimeout bounds each handler call. Zero or negative disables the
// timeout and runs handlers inline.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithMetrics registers bridge metrics with the registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		b.metrics = newBridgeMetrics(registry, b.logger)
	}
}

// New creates a bridge that validates with v.
func New(v *contract.Validator, opts ...Option) *Bridge {
	b := &Bridge{
		validator: v,
		logger:    slog.Default(),
		timeout:   DefaultHandlerTimeout,
		handlers:  make(map[contract.EventType][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b
}

// RegisterHandler appends h to the handlers for eventType.
func (b *Bridge) RegisterHandler(eventType contract.EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// On registers a handler that receives the concrete variant T. T must be one of
// the contract event structs.
func On[T contract.InboundEvent](b *Bridge, fn func(context.Context, T) error) {
	var zero T
	b.RegisterHandler(zero.Type(), func(ctx context.Context, event contract.InboundEvent) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("expected %T, got %T", zero, event)
		}
		return fn(ctx, typed)
	})
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *Bridge) HandlerCount(eventType contract.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// ProcessMessage validates raw and dispatches the resulting event. It returns
// nil when the message is dropped and the event otherwise, including when no
// handler is registered for its type.
func (b *Bridge) ProcessMessage(ctx context.Context, raw string) contract.InboundEvent {
	event, err := b.validator.ValidateInbound([]byte(raw))
	if err != nil {
		b.dropped.Add(1)
		b.metrics.message("dropped")
		b.logger.Warn("Dropping invalid message", "error", err, "size", len(raw))
		return nil
	}

	b.Dispatch(ctx, event)
	return event
}

// Dispatch runs the handlers registered for an already validated event. It
// waits for any earlier handler still running past its timeout; if ctx ends
// first the event is dropped.
func (b *Bridge) Dispatch(ctx context.Context, event contract.InboundEvent) {
	b.mu.RLock()
	handlers := b.handlers[event.Type()]
	b.mu.RUnlock()

	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.processed.Add(1)

	if len(handlers) == 0 {
		b.unhandled.Add(1)
		b.metrics.message("unhandled")
		b.logger.Warn("No handler registered", "event_type", event.Type())
		return
	}

	b.metrics.message("dispatched")
	for i, h := range handlers {
		if err := b.settle(ctx); err != nil {
			b.dropped.Add(1)
			b.metrics.message("dropped")
			b.logger.Warn("Dropping event while a handler overruns", "event_type", event.Type(), "error", err)
			return
		}
		if err := b.invoke(ctx, h, event); err != nil {
			herr := &HandlerError{EventType: event.Type(), Index: i, Err: err}
			b.handlerErrors.Add(1)
			if herr.TimedOut() {
				b.timeouts.Add(1)
			}
			b.metrics.handlerError(event.Type(), herr.TimedOut())
			b.logger.Error("Handler failed", "event_type", event.Type(), "handler", i, "error", herr)
		}
	}
}

// settle waits for the overrunning handler, if any. Called with runMu held.
func (b *Bridge) settle(ctx context.Context) error {
	if b.overrun == nil {
		return nil
	}
	b.logger.Debug("Waiting for overrunning handler")
	select {
	case err := <-b.overrun:
		b.overrun = nil
		b.logger.Warn("Overrunning handler finished", "error", err)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invoke runs one handler, converting panics to errors and enforcing the
// timeout. A handler that overruns keeps running in its goroutine with its
// context cancelled; settle waits for it before the next handler starts.
func (b *Bridge) invoke(ctx context.Context, h Handler, event contract.InboundEvent) error {
	if b.timeout <= 0 {
		return safeCall(ctx, h, event)
	}

	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(hctx, h, event)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		b.overrun = done
		return hctx.Err()
	}
}

func safeCall(ctx context.Context, h Handler, event contract.InboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, event)
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Processed:     b.processed.Load(),
		Dropped:       b.dropped.Load(),
		Unhandled:     b.unhandled.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Timeouts:      b.timeouts.Load(),
	}
}
