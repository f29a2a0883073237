package pubsub

import (
	"context"
	"log/slog"

	"github.com/relaybus/relaybus-go/contracts"
)

// EventSubscriber consumes serialized events from a queue, dispatches
// them through a HandlerRegistry and acknowledges based on the
// aggregate outcome: ack only when every matching handler succeeded,
// nack without requeue otherwise.
//
// One subscriber processes one message at a time; run several
// subscriber instances against the same queue, each with its own
// broker, for parallelism.
type EventSubscriber struct {
	broker    Broker
	queue     string
	registry  *HandlerRegistry
	exchange  string
	queueOpts QueueOptions
	prefetch  int
	logger    *slog.Logger
}

// SubscriberOption configures the EventSubscriber.
type SubscriberOption func(*EventSubscriber)

// WithQueueOptions sets queue declaration options.
func WithQueueOptions(opts QueueOptions) SubscriberOption {
	return func(s *EventSubscriber) {
		s.queueOpts = opts
	}
}

// WithPrefetchCount bounds unacknowledged deliveries in flight.
func WithPrefetchCount(count int) SubscriberOption {
	return func(s *EventSubscriber) {
		s.prefetch = count
	}
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *EventSubscriber) {
		s.logger = logger
	}
}

// NewEventSubscriber creates a subscriber for the given queue,
// binding against the given exchange.
func NewEventSubscriber(broker Broker, queue string, registry *HandlerRegistry, exchange string, options ...SubscriberOption) *EventSubscriber {
	s := &EventSubscriber{
		broker:    broker,
		queue:     queue,
		registry:  registry,
		exchange:  exchange,
		queueOpts: QueueOptions{Durable: true},
		prefetch:  1,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// SetupQueue declares the queue and binds it to the exchange. An
// empty bindingKey binds with "#", matching every routing key on a
// topic exchange.
func (s *EventSubscriber) SetupQueue(ctx context.Context, bindingKey string) error {
	if !s.broker.IsConnected() {
		return contracts.ErrNotConnected
	}
	if bindingKey == "" {
		bindingKey = "#"
	}

	if _, err := s.broker.DeclareQueue(ctx, s.queue, s.queueOpts); err != nil {
		return err
	}
	if err := s.broker.BindQueue(ctx, s.queue, s.exchange, bindingKey); err != nil {
		return err
	}

	s.logger.Info("queue ready",
		"queue", s.queue,
		"exchange", s.exchange,
		"bindingKey", bindingKey,
		"prefetch", s.prefetch,
	)
	return nil
}

// Start consumes from the queue until ctx is cancelled or the broker
// connection closes. Blocking.
func (s *EventSubscriber) Start(ctx context.Context) error {
	if !s.broker.IsConnected() {
		return contracts.ErrNotConnected
	}

	s.logger.Info("consuming", "queue", s.queue)

	opts := ConsumeOptions{
		AutoAck:       false,
		PrefetchCount: s.prefetch,
	}
	return s.broker.Consume(ctx, s.queue, opts, s.handleDelivery)
}

// handleDelivery drives one message through its terminal state:
// acked when every matching handler succeeded, nacked without requeue
// on malformed input, any handler failure, or an unexpected panic.
func (s *EventSubscriber) handleDelivery(ctx context.Context, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("unexpected failure while processing message",
				"queue", s.queue,
				"routingKey", d.RoutingKey,
				"panic", rec,
			)
			s.nack(d)
		}
	}()

	event, err := contracts.UnmarshalEvent(d.Body)
	if err != nil {
		// A malformed message can never succeed on retry; drop it so
		// it does not loop forever. A dead-letter exchange, if bound,
		// is where it lands for inspection.
		s.logger.Error("failed to deserialize message",
			"queue", s.queue,
			"routingKey", d.RoutingKey,
			"error", err,
		)
		s.nack(d)
		return
	}

	result := s.registry.InvokeAll(ctx, event)

	if result.FailedCount == 0 {
		if err := s.broker.Ack(d.Tag); err != nil {
			s.logger.Error("failed to ack message",
				"queue", s.queue,
				"eventId", event.EventID,
				"error", err,
			)
		}
		return
	}

	s.logger.Warn("handler failures, rejecting message",
		"domain", event.Domain,
		"action", event.Action,
		"eventId", event.EventID,
		"failed", result.FailedCount,
		"succeeded", result.SuccessCount,
	)
	s.nack(d)
}

func (s *EventSubscriber) nack(d Delivery) {
	if err := s.broker.Nack(d.Tag, false); err != nil {
		s.logger.Error("failed to nack message",
			"queue", s.queue,
			"tag", d.Tag,
			"error", err,
		)
	}
}
