package pubsub

import "context"

// Delivery modes for MessageProperties.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// MessageProperties is the metadata attached to a published message.
type MessageProperties struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	CorrelationID   string
	ReplyTo         string
}

// Delivery is a message handed to a consumer, together with the
// routing metadata and the tag used to acknowledge it.
type Delivery struct {
	Body          []byte
	RoutingKey    string
	CorrelationID string
	ReplyTo       string
	Tag           uint64
	Redelivered   bool
}

// DeliveryHandler processes a single delivery. Acknowledgment is the
// caller's responsibility unless the consume options enable auto-ack.
type DeliveryHandler func(ctx context.Context, d Delivery)

// QueueOptions configures queue declaration.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ConsumeOptions configures a consume loop.
type ConsumeOptions struct {
	// AutoAck acknowledges deliveries on receipt, before the handler
	// runs. Used for reply queues where redelivery is pointless.
	AutoAck bool
	// PrefetchCount bounds unacknowledged deliveries in flight.
	// Zero means one, keeping a single message in flight per consumer.
	PrefetchCount int
}

// Broker is the primitive send/receive surface the messaging core is
// built on. One Broker value owns one connection and one channel and
// must not be shared across concurrently consuming goroutines; run
// one Broker per subscriber or server instance instead.
type Broker interface {
	// Connect establishes the connection and channel.
	Connect(ctx context.Context) error

	// IsConnected reports whether the broker is usable.
	IsConnected() bool

	// DeclareExchange declares an exchange of the given kind
	// ("direct", "topic" or "fanout").
	DeclareExchange(ctx context.Context, name, kind string, durable bool) error

	// DeclareQueue declares a queue and returns its name. An empty
	// name requests a server-named queue.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error)

	// BindQueue binds a queue to an exchange with a routing key
	// pattern (AMQP topic semantics for topic exchanges).
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Publish sends bytes to an exchange with a routing key. The
	// empty exchange name addresses queues directly by routing key.
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props MessageProperties) error

	// Consume delivers messages from the queue to the handler, one at
	// a time, until ctx is cancelled or the connection closes.
	Consume(ctx context.Context, queue string, opts ConsumeOptions, handler DeliveryHandler) error

	// Ack acknowledges the delivery with the given tag.
	Ack(tag uint64) error

	// Nack rejects the delivery, optionally requeueing it.
	Nack(tag uint64, requeue bool) error

	// Close releases the channel and connection.
	Close() error
}
