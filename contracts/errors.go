package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConnected is returned when an operation requires an
// established broker connection and none is available. Callers must
// reconnect before retrying.
var ErrNotConnected = errors.New("relaybus: broker connection is not established")

// SerializationError reports a payload that cannot be represented in
// the JSON wire format. It is terminal; the same value can never be
// serialized on retry.
type SerializationError struct {
	EventID string // id of the offending event, if known
	Err     error
}

func (e *SerializationError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("relaybus: event %s is not serializable: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("relaybus: value is not serializable: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// FormatError reports wire data that is not well-formed JSON.
// Terminal, never retried.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("relaybus: malformed wire data: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// SchemaError reports well-formed wire data that is missing mandatory
// fields. Terminal, never retried.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("relaybus: missing required fields: %s", strings.Join(e.Missing, ", "))
}

// TimeoutError is returned by the RPC client when no correlated
// response arrived within the configured deadline.
type TimeoutError struct {
	Method    string
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("relaybus: rpc call %q (request %s) timed out after %s", e.Method, e.RequestID, e.Timeout)
}

// RPCError is returned by the RPC client when the server explicitly
// reported a failed call.
type RPCError struct {
	Method    string
	RequestID string
	Message   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relaybus: rpc call %q (request %s) failed: %s", e.Method, e.RequestID, e.Message)
}
