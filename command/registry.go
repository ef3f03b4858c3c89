// Package command maps intent names to handlers so collaborators can query and
// drive the core without importing its packages.
//
// Handlers take raw JSON arguments and return any JSON-encodable value. Typed
// adapts a function over a concrete argument struct, decoding arguments
// strictly. RegisterHistory installs the temporal store's query intents.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/citysync/errors"
)

// Handler executes one intent.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps intent names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "command")
	return r
}

// Register installs h under intent. A second registration of the same intent
// fails with ErrDuplicateIntent and leaves the first in place.
func (r *Registry) Register(intent string, h Handler) error {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "intent name is empty")
	}
	if h == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "handler for "+intent+" is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[intent]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIntent, intent)
	}
	r.handlers[intent] = h
	r.logger.Debug("Registered intent", "intent", intent)
	return nil
}

// MustRegister is Register that panics on error. Use it for static wiring.
func (r *Registry) MustRegister(intent string, h Handler) {
	if err := r.Register(intent, h); err != nil {
		panic(err)
	}
}

// Execute runs the handler for intent and returns its result unmodified.
func (r *Registry) Execute(ctx context.Context, intent string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[intent]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownIntentError{Intent: intent}
	}

	start := time.Now()
	result, err := h(ctx, args)
	if err != nil {
		r.logger.Debug("Intent failed", "intent", intent, "duration", time.Since(start), "error", err)
		return nil, err
	}
	r.logger.Debug("Intent executed", "intent", intent, "duration", time.Since(start))
	return result, nil
}

// Intents returns the registered intent names in sorted order.
func (r *Registry) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether intent is registered.
func (r *Registry) Has(intent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[intent]
	return ok
}
