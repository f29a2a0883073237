// Package rabbitmq implements the pubsub.Broker primitive on top of
// a RabbitMQ connection, one channel per Broker value.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaybus/relaybus-go/contracts"
	"github.com/relaybus/relaybus-go/internal/rabbitmq"
	"github.com/relaybus/relaybus-go/pubsub"
)

// Broker is a pubsub.Broker backed by one AMQP connection and one
// channel. A Broker must not be shared across concurrently consuming
// goroutines; create one per subscriber, RPC client or RPC server.
type Broker struct {
	conn        *rabbitmq.ConnectionManager
	connOptions []rabbitmq.ConnectionOption
	mu          sync.Mutex
	channel     *amqp.Channel
	logger      *slog.Logger
}

// BrokerOption configures the Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithConnectionOptions forwards options to the connection manager.
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) BrokerOption {
	return func(b *Broker) {
		b.connOptions = append(b.connOptions, options...)
	}
}

// NewBroker creates a broker for the given AMQP URL. Call Connect
// before use.
func NewBroker(url string, options ...BrokerOption) *Broker {
	b := &Broker{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.conn = rabbitmq.NewConnectionManager(url, append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(b.logger),
	}, b.connOptions...)...)

	return b
}

// Connect establishes the connection and opens the channel.
func (b *Broker) Connect(ctx context.Context) error {
	if err := b.conn.Connect(ctx); err != nil {
		return err
	}

	conn, err := b.conn.GetConnection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	b.mu.Lock()
	b.channel = ch
	b.mu.Unlock()

	return nil
}

// IsConnected reports whether the connection and channel are usable.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.IsConnected() && b.channel != nil && !b.channel.IsClosed()
}

// DeclareExchange declares an exchange.
func (b *Broker) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}
	return ch.ExchangeDeclare(
		name,
		kind,
		durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareQueue declares a queue and returns its name. An empty name
// requests a server-named queue.
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts pubsub.QueueOptions) (string, error) {
	ch, err := b.getChannel()
	if err != nil {
		return "", err
	}

	q, err := ch.QueueDeclare(
		name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange.
func (b *Broker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}
	return ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// Publish sends bytes to an exchange with a routing key.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, props pubsub.MessageProperties) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Body:            body,
			ContentType:     props.ContentType,
			ContentEncoding: props.ContentEncoding,
			DeliveryMode:    props.DeliveryMode,
			CorrelationId:   props.CorrelationID,
			ReplyTo:         props.ReplyTo,
		},
	)
}

// Consume delivers messages from the queue to the handler until ctx
// is cancelled or the channel closes. Deliveries are handed over one
// at a time on the calling goroutine.
func (b *Broker) Consume(ctx context.Context, queue string, opts pubsub.ConsumeOptions, handler pubsub.DeliveryHandler) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}

	if !opts.AutoAck {
		prefetch := opts.PrefetchCount
		if prefetch <= 0 {
			prefetch = 1
		}
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"", // server-generated consumer tag
		opts.AutoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", queue, err)
	}

	b.logger.Info("consuming", "queue", queue, "autoAck", opts.AutoAck)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn("delivery channel closed", "queue", queue)
				return rabbitmq.ErrChannelClosed
			}

			handler(ctx, pubsub.Delivery{
				Body:          d.Body,
				RoutingKey:    d.RoutingKey,
				CorrelationID: d.CorrelationId,
				ReplyTo:       d.ReplyTo,
				Tag:           d.DeliveryTag,
				Redelivered:   d.Redelivered,
			})
		}
	}
}

// Ack acknowledges a delivery by tag.
func (b *Broker) Ack(tag uint64) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}
	return ch.Ack(tag, false)
}

// Nack rejects a delivery by tag.
func (b *Broker) Nack(tag uint64, requeue bool) error {
	ch, err := b.getChannel()
	if err != nil {
		return err
	}
	return ch.Nack(tag, false, requeue)
}

// Close releases the channel and the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.channel != nil && !b.channel.IsClosed() {
		if err := b.channel.Close(); err != nil {
			b.logger.Warn("failed to close channel", "error", err)
		}
	}
	b.channel = nil
	b.mu.Unlock()

	return b.conn.Close()
}

func (b *Broker) getChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel == nil || b.channel.IsClosed() {
		return nil, contracts.ErrNotConnected
	}
	return b.channel, nil
}
