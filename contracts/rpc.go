package contracts

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout is the advisory timeout, in seconds, stamped
// on requests that do not specify one. Only the client enforces it.
const DefaultRequestTimeout = 30

// Request is an RPC request message. Timeout is carried on the wire
// for the server's information but enforced client-side only.
type Request struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	RequestID string         `json:"request_id"`
	Timestamp string         `json:"timestamp"`
	Timeout   int            `json:"timeout"`
}

// NewRequest creates a request with a fresh request id. A
// non-positive timeout falls back to DefaultRequestTimeout.
func NewRequest(method string, params map[string]any, timeoutSeconds int) *Request {
	if params == nil {
		params = map[string]any{}
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultRequestTimeout
	}
	return &Request{
		Method:    method,
		Params:    params,
		RequestID: uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Timeout:   timeoutSeconds,
	}
}

// Response is an RPC response message. Result is set only on success,
// Error only on failure.
type Response struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewResponse creates a successful response echoing the request id.
func NewResponse(requestID string, result any) *Response {
	return &Response{
		RequestID: requestID,
		Success:   true,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorResponse creates a failed response carrying the error text.
func NewErrorResponse(requestID, errorMessage string) *Response {
	return &Response{
		RequestID: requestID,
		Success:   false,
		Error:     errorMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
