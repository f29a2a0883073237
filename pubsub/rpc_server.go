package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaybus/relaybus-go/contracts"
)

// DefaultRPCExchange is the direct exchange RPC requests flow
// through; the routing key is the target service's queue name.
const DefaultRPCExchange = "rpc_exchange"

// MethodFunc handles one RPC method call. The returned value must be
// JSON-representable. An error (or panic) becomes a failed response;
// it never reaches the transport layer.
type MethodFunc func(ctx context.Context, params map[string]any) (any, error)

// RPCServer consumes requests from a queue, dispatches them to
// registered methods and publishes responses to each request's
// reply-to address. The request's timeout field is advisory here;
// only the client enforces it.
type RPCServer struct {
	broker   Broker
	queue    string
	exchange string
	methods  map[string]MethodFunc
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RPCServerOption configures the RPCServer.
type RPCServerOption func(*RPCServer)

// WithRPCServerExchange sets the request exchange.
func WithRPCServerExchange(exchange string) RPCServerOption {
	return func(s *RPCServer) {
		s.exchange = exchange
	}
}

// WithRPCServerLogger sets the logger.
func WithRPCServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = logger
	}
}

// NewRPCServer creates a server receiving requests on the given
// queue.
func NewRPCServer(broker Broker, queue string, options ...RPCServerOption) *RPCServer {
	s := &RPCServer{
		broker:   broker,
		queue:    queue,
		exchange: DefaultRPCExchange,
		methods:  make(map[string]MethodFunc),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// RegisterMethod associates a method name with a handler.
// Re-registration under the same name replaces the previous handler;
// last write wins.
func (s *RPCServer) RegisterMethod(name string, handler MethodFunc) {
	s.mu.Lock()
	s.methods[name] = handler
	s.mu.Unlock()

	s.logger.Info("registered rpc method", "method", name, "queue", s.queue)
}

// Setup declares the exchange and the request queue and binds them,
// using the queue name as the routing key.
func (s *RPCServer) Setup(ctx context.Context) error {
	if !s.broker.IsConnected() {
		return contracts.ErrNotConnected
	}

	if err := s.broker.DeclareExchange(ctx, s.exchange, "direct", true); err != nil {
		return err
	}
	if _, err := s.broker.DeclareQueue(ctx, s.queue, QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := s.broker.BindQueue(ctx, s.queue, s.exchange, s.queue); err != nil {
		return err
	}

	s.logger.Info("rpc server ready", "queue", s.queue, "exchange", s.exchange)
	return nil
}

// Start consumes requests until ctx is cancelled or the connection
// closes. Blocking. One request is processed at a time.
func (s *RPCServer) Start(ctx context.Context) error {
	if !s.broker.IsConnected() {
		return contracts.ErrNotConnected
	}

	opts := ConsumeOptions{
		AutoAck:       false,
		PrefetchCount: 1,
	}
	return s.broker.Consume(ctx, s.queue, opts, s.handleRequest)
}

func (s *RPCServer) handleRequest(ctx context.Context, d Delivery) {
	request, err := contracts.UnmarshalRequest(d.Body)
	if err != nil {
		s.logger.Error("failed to parse rpc request",
			"queue", s.queue,
			"error", err,
		)
		s.nack(d)
		return
	}

	s.logger.Debug("received rpc request",
		"method", request.Method,
		"requestId", request.RequestID,
	)

	response := s.execute(ctx, request)

	if d.ReplyTo != "" {
		if err := s.sendResponse(ctx, d, request, response); err != nil {
			s.logger.Error("failed to send rpc response",
				"method", request.Method,
				"requestId", request.RequestID,
				"error", err,
			)
			s.nack(d)
			return
		}
	}

	// The handler's outcome travels in the response payload; the
	// inbound request is acknowledged either way.
	if err := s.broker.Ack(d.Tag); err != nil {
		s.logger.Error("failed to ack rpc request",
			"requestId", request.RequestID,
			"error", err,
		)
	}
}

// execute runs the requested method, converting unknown methods,
// handler errors and panics into failed responses.
func (s *RPCServer) execute(ctx context.Context, request *contracts.Request) (response *contracts.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("rpc method panicked",
				"method", request.Method,
				"requestId", request.RequestID,
				"panic", rec,
			)
			response = contracts.NewErrorResponse(request.RequestID, fmt.Sprintf("method %q panicked: %v", request.Method, rec))
		}
	}()

	s.mu.RLock()
	handler, ok := s.methods[request.Method]
	s.mu.RUnlock()

	if !ok {
		return contracts.NewErrorResponse(request.RequestID,
			fmt.Sprintf("Method '%s' not found", request.Method))
	}

	result, err := handler(ctx, request.Params)
	if err != nil {
		s.logger.Error("rpc method failed",
			"method", request.Method,
			"requestId", request.RequestID,
			"error", err,
		)
		return contracts.NewErrorResponse(request.RequestID, err.Error())
	}

	return contracts.NewResponse(request.RequestID, result)
}

func (s *RPCServer) sendResponse(ctx context.Context, d Delivery, request *contracts.Request, response *contracts.Response) error {
	body, err := contracts.MarshalResponse(response)
	if err != nil {
		return err
	}

	correlationID := d.CorrelationID
	if correlationID == "" {
		correlationID = request.RequestID
	}

	props := MessageProperties{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		CorrelationID:   correlationID,
	}

	// Replies go straight to the caller's queue on the default
	// exchange.
	return s.broker.Publish(ctx, "", d.ReplyTo, body, props)
}

func (s *RPCServer) nack(d Delivery) {
	if err := s.broker.Nack(d.Tag, false); err != nil {
		s.logger.Error("failed to nack rpc request",
			"queue", s.queue,
			"tag", d.Tag,
			"error", err,
		)
	}
}
