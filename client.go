// Package relaybus is an event-driven messaging toolkit for RabbitMQ:
// a JSON event envelope, glob-pattern handler dispatch, publish and
// subscribe with explicit acknowledgement, and request/response RPC.
//
// The Client is the entry point for applications. Each component it
// hands out owns a dedicated connection and channel, so publishers,
// subscribers and RPC endpoints never contend for channel state.
package relaybus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaybus/relaybus-go/pubsub"
	"github.com/relaybus/relaybus-go/transports/rabbitmq"
)

// DefaultEventsExchange is the topic exchange events are published to
// unless configured otherwise.
const DefaultEventsExchange = "events"

// Client wires the messaging components to RabbitMQ.
type Client struct {
	url            string
	eventsExchange string
	rpcExchange    string
	logger         *slog.Logger

	mu      sync.Mutex
	brokers []*rabbitmq.Broker
	closed  bool
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithLogger sets the logger used by the client and every component
// it creates.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEventsExchange overrides the topic exchange used for events.
func WithEventsExchange(name string) ClientOption {
	return func(c *Client) {
		c.eventsExchange = name
	}
}

// WithRPCExchange overrides the direct exchange used for RPC.
func WithRPCExchange(name string) ClientOption {
	return func(c *Client) {
		c.rpcExchange = name
	}
}

// NewClient creates a client for the given AMQP URL. No connection is
// made until a component is requested.
func NewClient(url string, options ...ClientOption) *Client {
	c := &Client{
		url:            url,
		eventsExchange: DefaultEventsExchange,
		rpcExchange:    pubsub.DefaultRPCExchange,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// connect dials a fresh broker and tracks it for Close.
func (c *Client) connect(ctx context.Context) (*rabbitmq.Broker, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("relaybus: client is closed")
	}
	c.mu.Unlock()

	broker := rabbitmq.NewBroker(c.url, rabbitmq.WithBrokerLogger(c.logger))
	if err := broker.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.brokers = append(c.brokers, broker)
	c.mu.Unlock()

	return broker, nil
}

// EventPublisher returns a connected publisher for the events
// exchange. The exchange is declared durable topic.
func (c *Client) EventPublisher(ctx context.Context) (*pubsub.EventPublisher, error) {
	broker, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	if err := broker.DeclareExchange(ctx, c.eventsExchange, "topic", true); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", c.eventsExchange, err)
	}

	return pubsub.NewEventPublisher(broker, c.eventsExchange,
		pubsub.WithPublisherLogger(c.logger),
	), nil
}

// SubscribeOptions configures an EventSubscriber created by the
// client.
type SubscribeOptions struct {
	// BindingKey is the AMQP topic pattern the queue is bound with.
	// Empty means "#", every event.
	BindingKey string
	// Queue options; zero value means a durable queue.
	Queue *pubsub.QueueOptions
	// PrefetchCount; zero means one.
	PrefetchCount int
}

// EventSubscriber returns a subscriber with its queue declared and
// bound, ready for Start.
func (c *Client) EventSubscriber(ctx context.Context, queue string, registry *pubsub.HandlerRegistry, opts SubscribeOptions) (*pubsub.EventSubscriber, error) {
	broker, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	if err := broker.DeclareExchange(ctx, c.eventsExchange, "topic", true); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", c.eventsExchange, err)
	}

	subOpts := []pubsub.SubscriberOption{
		pubsub.WithSubscriberLogger(c.logger),
	}
	if opts.Queue != nil {
		subOpts = append(subOpts, pubsub.WithQueueOptions(*opts.Queue))
	}
	if opts.PrefetchCount > 0 {
		subOpts = append(subOpts, pubsub.WithPrefetchCount(opts.PrefetchCount))
	}

	sub := pubsub.NewEventSubscriber(broker, queue, registry, c.eventsExchange, subOpts...)
	if err := sub.SetupQueue(ctx, opts.BindingKey); err != nil {
		return nil, err
	}
	return sub, nil
}

// RPCServer returns an RPC server with its queue declared and bound.
// Register methods, then call Start.
func (c *Client) RPCServer(ctx context.Context, queue string) (*pubsub.RPCServer, error) {
	broker, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	srv := pubsub.NewRPCServer(broker, queue,
		pubsub.WithRPCServerExchange(c.rpcExchange),
		pubsub.WithRPCServerLogger(c.logger),
	)
	if err := srv.Setup(ctx); err != nil {
		return nil, err
	}
	return srv, nil
}

// RPCClient returns an RPC client with its reply queue consuming.
func (c *Client) RPCClient(ctx context.Context) (*pubsub.RPCClient, error) {
	broker, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	rc := pubsub.NewRPCClient(broker,
		pubsub.WithRPCClientExchange(c.rpcExchange),
		pubsub.WithRPCClientLogger(c.logger),
	)
	if err := rc.Setup(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

// Close closes every broker the client created. Components obtained
// from the client stop working after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, b := range c.brokers {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.brokers = nil
	return firstErr
}
