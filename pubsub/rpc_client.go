package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaybus/relaybus-go/contracts"
)

// RPCClient makes calls against RPC servers, matching responses to
// requests by correlation id on a private reply queue.
//
// Each call blocks on a buffered response channel raced against a
// deadline timer; there is no polling. A response arriving after its
// call already timed out is dropped on arrival.
type RPCClient struct {
	broker     Broker
	exchange   string
	replyQueue string
	pending    map[string]chan *contracts.Response
	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// RPCClientOption configures the RPCClient.
type RPCClientOption func(*RPCClient)

// WithRPCClientExchange sets the request exchange.
func WithRPCClientExchange(exchange string) RPCClientOption {
	return func(c *RPCClient) {
		c.exchange = exchange
	}
}

// WithRPCClientLogger sets the logger.
func WithRPCClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// NewRPCClient creates a client. Call Setup before Call.
func NewRPCClient(broker Broker, options ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		broker:   broker,
		exchange: DefaultRPCExchange,
		pending:  make(map[string]chan *contracts.Response),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Setup declares the exchange and a server-named, exclusive,
// auto-deleting reply queue, and starts consuming responses from it
// in the background.
func (c *RPCClient) Setup(ctx context.Context) error {
	if !c.broker.IsConnected() {
		return contracts.ErrNotConnected
	}

	if err := c.broker.DeclareExchange(ctx, c.exchange, "direct", true); err != nil {
		return err
	}

	queue, err := c.broker.DeclareQueue(ctx, "", QueueOptions{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return err
	}
	c.replyQueue = queue

	consumeCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		// Replies are auto-acked: redelivering a response nobody
		// waits for anymore is pointless.
		err := c.broker.Consume(consumeCtx, c.replyQueue, ConsumeOptions{AutoAck: true}, c.handleResponse)
		if err != nil && consumeCtx.Err() == nil {
			c.logger.Error("reply consumer stopped", "queue", c.replyQueue, "error", err)
		}
	}()

	c.logger.Info("rpc client ready", "replyQueue", c.replyQueue, "exchange", c.exchange)
	return nil
}

// ReplyQueue returns the server-named reply queue, empty before
// Setup.
func (c *RPCClient) ReplyQueue() string {
	return c.replyQueue
}

// Call invokes a remote method and waits for its result. routingKey
// is the target service's queue name. It fails with
// *contracts.TimeoutError when no correlated response arrives within
// timeout, and with *contracts.RPCError when the server reported a
// failure.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]any, routingKey string, timeout time.Duration) (any, error) {
	if !c.broker.IsConnected() {
		return nil, contracts.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = contracts.DefaultRequestTimeout * time.Second
	}

	request := contracts.NewRequest(method, params, int(timeout/time.Second))

	body, err := contracts.MarshalRequest(request)
	if err != nil {
		return nil, err
	}

	responseCh := make(chan *contracts.Response, 1)
	c.mu.Lock()
	c.pending[request.RequestID] = responseCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, request.RequestID)
		c.mu.Unlock()
	}()

	props := MessageProperties{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		CorrelationID:   request.RequestID,
		ReplyTo:         c.replyQueue,
	}

	c.logger.Debug("sending rpc request",
		"method", method,
		"requestId", request.RequestID,
		"routingKey", routingKey,
	)

	if err := c.broker.Publish(ctx, c.exchange, routingKey, body, props); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-responseCh:
		if !response.Success {
			return nil, &contracts.RPCError{
				Method:    method,
				RequestID: request.RequestID,
				Message:   response.Error,
			}
		}
		return response.Result, nil

	case <-timer.C:
		c.logger.Warn("rpc call timed out",
			"method", method,
			"requestId", request.RequestID,
			"timeout", timeout,
		)
		return nil, &contracts.TimeoutError{
			Method:    method,
			RequestID: request.RequestID,
			Timeout:   timeout,
		}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleResponse resolves the pending call matching the response's
// correlation id. Responses with no pending slot (already timed out,
// duplicated or spurious) are discarded without error.
func (c *RPCClient) handleResponse(ctx context.Context, d Delivery) {
	response, err := contracts.UnmarshalResponse(d.Body)
	if err != nil {
		c.logger.Error("failed to parse rpc response", "error", err)
		return
	}

	correlationID := d.CorrelationID
	if correlationID == "" {
		correlationID = response.RequestID
	}

	c.mu.Lock()
	responseCh, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping uncorrelated rpc response", "correlationId", correlationID)
		return
	}

	// Buffered; the waiter may have left between the map lookup and
	// now, in which case the response is simply dropped.
	select {
	case responseCh <- response:
	default:
	}
}

// Close stops the reply consumer. In-flight calls fail by timeout.
func (c *RPCClient) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}
