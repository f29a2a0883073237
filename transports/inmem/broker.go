// Package inmem implements the pubsub.Broker primitive entirely in
// memory: direct, topic and fanout exchanges, buffered queues,
// delivery tags and ack/nack bookkeeping. It exists so the messaging
// core can be exercised deterministically without a running broker;
// one Broker value is safe to share between the components of a test.
package inmem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaybus/relaybus-go/contracts"
	"github.com/relaybus/relaybus-go/pubsub"
)

const queueBuffer = 1024

type exchange struct {
	kind     string
	bindings []binding
}

type binding struct {
	queue      string
	routingKey string
}

type message struct {
	body  []byte
	key   string
	props pubsub.MessageProperties
}

type queue struct {
	opts     pubsub.QueueOptions
	messages chan message
}

type inflight struct {
	queue string
	msg   message
}

// Broker is an in-memory pubsub.Broker.
type Broker struct {
	mu        sync.Mutex
	connected bool
	exchanges map[string]*exchange
	queues    map[string]*queue
	nextTag   uint64
	unacked   map[uint64]inflight
	dead      map[string]int
}

// NewBroker creates a disconnected in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		unacked:   make(map[uint64]inflight),
		dead:      make(map[string]int),
	}
}

// Connect marks the broker usable.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// IsConnected reports whether Connect has been called.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// DeclareExchange declares an exchange of kind "direct", "topic" or
// "fanout".
func (b *Broker) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return contracts.ErrNotConnected
	}
	if ex, exists := b.exchanges[name]; exists {
		if ex.kind != kind {
			return fmt.Errorf("inmem: exchange %q already declared as %q", name, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind}
	return nil
}

// DeclareQueue declares a queue, generating a name when given none.
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts pubsub.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return "", contracts.ErrNotConnected
	}
	if name == "" {
		name = "amq.gen-" + uuid.New().String()[:12]
	}
	if _, exists := b.queues[name]; !exists {
		b.queues[name] = &queue{
			opts:     opts,
			messages: make(chan message, queueBuffer),
		}
	}
	return name, nil
}

// BindQueue binds a queue to an exchange. Topic exchanges match
// binding keys with AMQP segment semantics ('*' one word, '#' zero or
// more words).
func (b *Broker) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return contracts.ErrNotConnected
	}
	ex, exists := b.exchanges[exchangeName]
	if !exists {
		return fmt.Errorf("inmem: exchange %q not declared", exchangeName)
	}
	if _, exists := b.queues[queueName]; !exists {
		return fmt.Errorf("inmem: queue %q not declared", queueName)
	}
	ex.bindings = append(ex.bindings, binding{queue: queueName, routingKey: routingKey})
	return nil
}

// Publish routes the message to every matching queue. The empty
// exchange addresses a queue directly by routing key, as the AMQP
// default exchange does.
func (b *Broker) Publish(ctx context.Context, exchangeName, routingKey string, body []byte, props pubsub.MessageProperties) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return contracts.ErrNotConnected
	}

	msg := message{body: body, key: routingKey, props: props}

	if exchangeName == "" {
		q, exists := b.queues[routingKey]
		if !exists {
			return fmt.Errorf("inmem: no queue %q for default-exchange publish", routingKey)
		}
		return enqueue(q, msg)
	}

	ex, exists := b.exchanges[exchangeName]
	if !exists {
		return fmt.Errorf("inmem: exchange %q not declared", exchangeName)
	}

	for _, bind := range ex.bindings {
		matched := false
		switch ex.kind {
		case "direct":
			matched = bind.routingKey == routingKey
		case "topic":
			matched = topicMatch(bind.routingKey, routingKey)
		case "fanout":
			matched = true
		}
		if !matched {
			continue
		}
		if err := enqueue(b.queues[bind.queue], msg); err != nil {
			return err
		}
	}
	return nil
}

func enqueue(q *queue, msg message) error {
	select {
	case q.messages <- msg:
		return nil
	default:
		return fmt.Errorf("inmem: queue full")
	}
}

// Consume delivers queued messages to the handler, one at a time,
// until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queueName string, opts pubsub.ConsumeOptions, handler pubsub.DeliveryHandler) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return contracts.ErrNotConnected
	}
	q, exists := b.queues[queueName]
	b.mu.Unlock()
	if !exists {
		return fmt.Errorf("inmem: queue %q not declared", queueName)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-q.messages:
			b.mu.Lock()
			b.nextTag++
			tag := b.nextTag
			if !opts.AutoAck {
				b.unacked[tag] = inflight{queue: queueName, msg: msg}
			}
			b.mu.Unlock()

			handler(ctx, pubsub.Delivery{
				Body:          msg.body,
				RoutingKey:    msg.key,
				CorrelationID: msg.props.CorrelationID,
				ReplyTo:       msg.props.ReplyTo,
				Tag:           tag,
			})
		}
	}
}

// Ack settles an unacknowledged delivery.
func (b *Broker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.unacked[tag]; !exists {
		return fmt.Errorf("inmem: unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	return nil
}

// Nack rejects an unacknowledged delivery. With requeue the message
// goes back on its queue; without, it is counted as dead-lettered,
// which tests inspect through DeadLettered.
func (b *Broker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inf, exists := b.unacked[tag]
	if !exists {
		return fmt.Errorf("inmem: unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)

	if requeue {
		return enqueue(b.queues[inf.queue], inf.msg)
	}
	b.dead[inf.queue]++
	return nil
}

// DeadLettered reports how many messages were nacked without requeue
// on the given queue.
func (b *Broker) DeadLettered(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead[queueName]
}

// Unacked reports how many deliveries are in flight.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Close disconnects the broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// topicMatch applies AMQP topic-binding semantics: '.' separates
// words, '*' matches exactly one word, '#' matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == pattern[0] && matchWords(pattern[1:], key[1:])
	}
}
