package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns a single AMQP connection. Connect makes a
// bounded number of attempts; once connected, a background watcher
// marks the manager disconnected when the broker closes the
// connection so callers can observe it through IsConnected.
type ConnectionManager struct {
	url             string
	conn            *amqp.Connection
	mu              sync.RWMutex
	connectAttempts int
	retryDelay      time.Duration
	dialTimeout     time.Duration
	logger          *slog.Logger
	notifyClose     chan *amqp.Error
	isConnected     bool
	done            chan struct{}
	closeOnce       sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectAttempts sets how many times Connect tries before
// giving up.
func WithConnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectAttempts = attempts
	}
}

// WithRetryDelay sets the delay between connection attempts.
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// NewConnectionManager creates a connection manager for the given
// AMQP URL.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		connectAttempts: 3,
		retryDelay:      5 * time.Second,
		dialTimeout:     30 * time.Second,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying up to the configured
// number of attempts.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= cm.connectAttempts; attempt++ {
		if attempt > 1 {
			delay := cm.backoff(attempt - 2)
			cm.logger.Info("retrying connection",
				"url", SanitizeURL(cm.url),
				"attempt", attempt,
				"maxAttempts", cm.connectAttempts,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Error("connection attempt failed",
				"url", SanitizeURL(cm.url),
				"attempt", attempt,
				"error", err,
			)
			lastErr = err
			continue
		}

		cm.conn = conn
		cm.isConnected = true
		cm.notifyClose = make(chan *amqp.Error, 1)
		cm.conn.NotifyClose(cm.notifyClose)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

		go cm.watchClose(cm.notifyClose)
		return nil
	}

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  cm.connectAttempts,
	}
}

// backoff returns the wait before the given retry: exponential from
// the configured delay, capped at one minute, with ±25% jitter.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.retryDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	maxDelay := time.Minute
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}
	return delay
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// watchClose marks the manager disconnected when the broker closes
// the connection underneath us.
func (cm *ConnectionManager) watchClose(notify chan *amqp.Error) {
	select {
	case err := <-notify:
		if err != nil {
			cm.logger.Error("connection closed by broker", "error", err)
		}
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()
	case <-cm.done:
	}
}

// GetConnection returns the live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports the connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection gracefully. Safe to call more than
// once.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()

		if cm.conn != nil && !cm.conn.IsClosed() {
			err = cm.conn.Close()
		}
		cm.conn = nil
		cm.isConnected = false
	})
	return err
}
