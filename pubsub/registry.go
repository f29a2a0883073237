package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/relaybus/relaybus-go/contracts"
)

// HandlerError records a single handler's failure inside an
// invocation outcome.
type HandlerError struct {
	Handler string
	Message string
}

// InvocationResult aggregates the outcome of dispatching one event to
// its matching handlers. It is created fresh per InvokeAll call and
// never persisted.
type InvocationResult struct {
	SuccessCount int
	FailedCount  int
	Errors       []HandlerError
}

// HandlerRegistry maps routing-key patterns to ordered handler lists.
//
// Patterns are whole-string globs where '*' is the only wildcard and
// matches any run of characters, including dots: "order.*" matches
// "order.created", "*" matches everything, and "a*" matches "a.b.c".
// This is deliberately looser than AMQP topic matching, which applies
// only to queue bindings on the broker side.
//
// Registration is expected to happen during setup, before dispatch
// begins; Resolve and InvokeAll take a read lock so late Subscribe
// calls do not race, but no ordering is guaranteed for them.
type HandlerRegistry struct {
	mu       sync.RWMutex
	patterns []string
	handlers map[string][]Handler
	logger   *slog.Logger
}

// RegistryOption configures the HandlerRegistry.
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string][]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Subscribe appends handler to the list for pattern, creating the
// list if the pattern is new. No deduplication: the same handler may
// be registered under several patterns, or several times under one.
func (r *HandlerRegistry) Subscribe(pattern string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[pattern]; !exists {
		r.patterns = append(r.patterns, pattern)
	}
	r.handlers[pattern] = append(r.handlers[pattern], handler)

	r.logger.Info("registered handler",
		"pattern", pattern,
		"handler", handlerName(handler),
	)
}

// Resolve returns the handlers of every pattern matching routingKey,
// concatenated in pattern-registration order. A key matching nothing
// yields an empty slice.
func (r *HandlerRegistry) Resolve(routingKey string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Handler
	for _, pattern := range r.patterns {
		if matchPattern(pattern, routingKey) {
			matched = append(matched, r.handlers[pattern]...)
		}
	}
	return matched
}

// InvokeAll resolves handlers for the event's routing key and invokes
// each in order. A failing handler (error return or panic) is
// recorded in the outcome and never prevents subsequent handlers from
// running. Zero matching handlers is a normal, silent case.
func (r *HandlerRegistry) InvokeAll(ctx context.Context, event *contracts.Event) *InvocationResult {
	routingKey := event.RoutingKey()
	handlers := r.Resolve(routingKey)

	result := &InvocationResult{}

	if len(handlers) == 0 {
		r.logger.Debug("no handlers for event",
			"routingKey", routingKey,
			"eventId", event.EventID,
		)
		return result
	}

	for _, handler := range handlers {
		name := handlerName(handler)

		if err := r.invoke(ctx, handler, event); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, HandlerError{
				Handler: name,
				Message: err.Error(),
			})
			r.logger.Error("handler failed",
				"handler", name,
				"routingKey", routingKey,
				"eventId", event.EventID,
				"error", err,
			)
			continue
		}

		result.SuccessCount++
	}

	r.logger.Debug("handler invocation complete",
		"routingKey", routingKey,
		"eventId", event.EventID,
		"succeeded", result.SuccessCount,
		"failed", result.FailedCount,
	)

	return result
}

// invoke runs one handler, converting a panic into an error so a
// misbehaving handler cannot take down the consuming loop.
func (r *HandlerRegistry) invoke(ctx context.Context, handler Handler, event *contracts.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler.Handle(ctx, event)
}

// matchPattern reports whether key matches the whole-string glob
// pattern. '*' matches any run of characters; everything else is
// literal and case-sensitive.
func matchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]

	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(key, part)
		if idx < 0 {
			return false
		}
		key = key[idx+len(part):]
	}

	return strings.HasSuffix(key, parts[len(parts)-1])
}
