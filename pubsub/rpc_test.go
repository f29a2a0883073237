package pubsub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/relaybus-go/contracts"
	"github.com/relaybus/relaybus-go/pubsub"
	"github.com/relaybus/relaybus-go/transports/inmem"
)

// startRPC wires a server with the given methods and a client against
// one shared in-memory broker, both running until the test ends.
func startRPC(t *testing.T, queue string, methods map[string]pubsub.MethodFunc) (*inmem.Broker, *pubsub.RPCClient) {
	t.Helper()
	ctx := context.Background()

	broker := inmem.NewBroker()
	require.NoError(t, broker.Connect(ctx))

	srv := pubsub.NewRPCServer(broker, queue)
	for name, fn := range methods {
		srv.RegisterMethod(name, fn)
	}
	require.NoError(t, srv.Setup(ctx))

	srvCtx, cancelSrv := context.WithCancel(ctx)
	t.Cleanup(cancelSrv)
	go srv.Start(srvCtx)

	client := pubsub.NewRPCClient(broker)
	require.NoError(t, client.Setup(ctx))
	t.Cleanup(func() { client.Close() })

	return broker, client
}

func TestRPCCall(t *testing.T) {
	_, client := startRPC(t, "calc-service", map[string]pubsub.MethodFunc{
		"add": func(ctx context.Context, params map[string]any) (any, error) {
			a, _ := params["a"].(float64)
			b, _ := params["b"].(float64)
			return a + b, nil
		},
		"divide": func(ctx context.Context, params map[string]any) (any, error) {
			a, _ := params["a"].(float64)
			b, _ := params["b"].(float64)
			if b == 0 {
				return nil, errors.New("division by zero")
			}
			return a / b, nil
		},
		"panics": func(ctx context.Context, params map[string]any) (any, error) {
			panic("bad state")
		},
	})
	ctx := context.Background()

	t.Run("returns the method result", func(t *testing.T) {
		result, err := client.Call(ctx, "add", map[string]any{"a": 2, "b": 3}, "calc-service", 2*time.Second)

		require.NoError(t, err)
		assert.Equal(t, float64(5), result)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := client.Call(ctx, "subtract", nil, "calc-service", 2*time.Second)

		var rpcErr *contracts.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "Method 'subtract' not found", rpcErr.Message)
		assert.Equal(t, "subtract", rpcErr.Method)
	})

	t.Run("handler error becomes RPCError", func(t *testing.T) {
		_, err := client.Call(ctx, "divide", map[string]any{"a": 1, "b": 0}, "calc-service", 2*time.Second)

		var rpcErr *contracts.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "division by zero", rpcErr.Message)
	})

	t.Run("handler panic becomes RPCError", func(t *testing.T) {
		_, err := client.Call(ctx, "panics", nil, "calc-service", 2*time.Second)

		var rpcErr *contracts.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Contains(t, rpcErr.Message, "panicked")
	})

	t.Run("sequential calls correlate independently", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			result, err := client.Call(ctx, "add", map[string]any{"a": float64(i), "b": 1}, "calc-service", 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, float64(i+1), result)
		}
	})
}

func TestRPCCallTimesOut(t *testing.T) {
	ctx := context.Background()

	broker := inmem.NewBroker()
	require.NoError(t, broker.Connect(ctx))

	// A bound request queue with no server consuming it.
	require.NoError(t, broker.DeclareExchange(ctx, pubsub.DefaultRPCExchange, "direct", true))
	_, err := broker.DeclareQueue(ctx, "silent-service", pubsub.QueueOptions{Durable: true})
	require.NoError(t, err)
	require.NoError(t, broker.BindQueue(ctx, "silent-service", pubsub.DefaultRPCExchange, "silent-service"))

	client := pubsub.NewRPCClient(broker)
	require.NoError(t, client.Setup(ctx))
	defer client.Close()

	start := time.Now()
	_, err = client.Call(ctx, "ping", nil, "silent-service", 200*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *contracts.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "ping", timeoutErr.Method)
	assert.Equal(t, 200*time.Millisecond, timeoutErr.Timeout)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRPCCallHonorsContextCancellation(t *testing.T) {
	broker := inmem.NewBroker()
	require.NoError(t, broker.Connect(context.Background()))

	require.NoError(t, broker.DeclareExchange(context.Background(), pubsub.DefaultRPCExchange, "direct", true))
	_, err := broker.DeclareQueue(context.Background(), "silent-service", pubsub.QueueOptions{Durable: true})
	require.NoError(t, err)
	require.NoError(t, broker.BindQueue(context.Background(), "silent-service", pubsub.DefaultRPCExchange, "silent-service"))

	client := pubsub.NewRPCClient(broker)
	require.NoError(t, client.Setup(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = client.Call(ctx, "ping", nil, "silent-service", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUncorrelatedResponseIsDropped(t *testing.T) {
	ctx := context.Background()

	broker := inmem.NewBroker()
	require.NoError(t, broker.Connect(ctx))

	client := pubsub.NewRPCClient(broker)
	require.NoError(t, client.Setup(ctx))
	defer client.Close()

	// A stale response, as if a previous call already timed out.
	stale := contracts.NewResponse("req-long-gone", "ignored")
	body, err := contracts.MarshalResponse(stale)
	require.NoError(t, err)

	replyQueue := client.ReplyQueue()
	require.NoError(t, broker.Publish(ctx, "", replyQueue, body, pubsub.MessageProperties{
		CorrelationID: "req-long-gone",
	}))

	// The drop is silent; the client keeps working afterwards.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, broker.Unacked())
}

func TestRPCCallRequiresConnection(t *testing.T) {
	client := pubsub.NewRPCClient(inmem.NewBroker())

	_, err := client.Call(context.Background(), "ping", nil, "anywhere", time.Second)
	assert.ErrorIs(t, err, contracts.ErrNotConnected)
}

func TestRegisterMethodLastWriteWins(t *testing.T) {
	ctx := context.Background()

	broker := inmem.NewBroker()
	require.NoError(t, broker.Connect(ctx))

	srv := pubsub.NewRPCServer(broker, "versioned-service")
	srv.RegisterMethod("greet", func(ctx context.Context, params map[string]any) (any, error) {
		return "v1", nil
	})
	srv.RegisterMethod("greet", func(ctx context.Context, params map[string]any) (any, error) {
		return "v2", nil
	})
	require.NoError(t, srv.Setup(ctx))

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	go srv.Start(srvCtx)

	client := pubsub.NewRPCClient(broker)
	require.NoError(t, client.Setup(ctx))
	defer client.Close()

	result, err := client.Call(ctx, "greet", nil, "versioned-service", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
}
