package pubsub

import (
	"context"
	"log/slog"

	"github.com/relaybus/relaybus-go/contracts"
)

// RoutingKeyFormatter derives the routing key for an event. The
// default is the event's own "domain.action" key.
type RoutingKeyFormatter func(event *contracts.Event) string

// EventPublisher serializes events and hands them to the broker with
// persistent delivery.
type EventPublisher struct {
	broker           Broker
	exchange         string
	formatRoutingKey RoutingKeyFormatter
	logger           *slog.Logger
}

// PublisherOption configures the EventPublisher.
type PublisherOption func(*EventPublisher)

// WithRoutingKeyFormatter overrides routing key derivation.
func WithRoutingKeyFormatter(f RoutingKeyFormatter) PublisherOption {
	return func(p *EventPublisher) {
		p.formatRoutingKey = f
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// NewEventPublisher creates a publisher targeting the given exchange.
func NewEventPublisher(broker Broker, exchange string, options ...PublisherOption) *EventPublisher {
	p := &EventPublisher{
		broker:   broker,
		exchange: exchange,
		formatRoutingKey: func(event *contracts.Event) string {
			return event.RoutingKey()
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes the event and sends it with persistent delivery.
// It fails with contracts.ErrNotConnected when the broker channel is
// not established, and wraps broker send failures into a
// *PublishError carrying the event id.
func (p *EventPublisher) Publish(ctx context.Context, event *contracts.Event) error {
	if !p.broker.IsConnected() {
		return contracts.ErrNotConnected
	}
	if err := event.Validate(); err != nil {
		return err
	}

	body, err := contracts.MarshalEvent(event)
	if err != nil {
		return err
	}

	routingKey := p.formatRoutingKey(event)

	props := MessageProperties{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    Persistent,
	}

	if err := p.broker.Publish(ctx, p.exchange, routingKey, body, props); err != nil {
		p.logger.Error("failed to publish event",
			"eventId", event.EventID,
			"exchange", p.exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return &PublishError{
			EventID:    event.EventID,
			Exchange:   p.exchange,
			RoutingKey: routingKey,
			Err:        err,
		}
	}

	p.logger.Debug("event published",
		"eventId", event.EventID,
		"exchange", p.exchange,
		"routingKey", routingKey,
	)

	return nil
}
