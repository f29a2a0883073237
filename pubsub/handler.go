package pubsub

import (
	"context"
	"reflect"
	"strings"

	"github.com/relaybus/relaybus-go/contracts"
)

// Handler is a unit of business logic invoked when its pattern
// matches an incoming event's routing key. Implementations must be
// safe to invoke concurrently with other handlers; the registry never
// serializes distinct handlers against each other.
type Handler interface {
	Handle(ctx context.Context, event *contracts.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *contracts.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event *contracts.Event) error {
	return f(ctx, event)
}

// NamedHandler lets a handler choose the identifier used in
// invocation outcomes and logs instead of its Go type name.
type NamedHandler interface {
	HandlerName() string
}

// handlerName returns the identifier recorded for a handler in
// outcomes and logs.
func handlerName(h Handler) string {
	if n, ok := h.(NamedHandler); ok {
		return n.HandlerName()
	}
	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	// Anonymous types and func adapters.
	return strings.TrimPrefix(t.String(), "*")
}
