package pubsub

import "fmt"

// PublishError wraps a broker send failure with the identity of the
// event that failed, for traceability. The publisher performs no
// retry of its own; retry policy belongs to the caller.
type PublishError struct {
	EventID    string
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relaybus: failed to publish event %s to %s/%s: %v",
		e.EventID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
