package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MarshalEvent serializes an event to its JSON wire form. A payload
// value that cannot be represented in JSON yields a
// *SerializationError rather than silently dropping data.
func MarshalEvent(e *Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, &SerializationError{EventID: e.EventID, Err: err}
	}
	return body, nil
}

// UnmarshalEvent parses an event from its JSON wire form. Malformed
// input yields a *FormatError; input missing any of the mandatory
// domain, action or data fields yields a *SchemaError. The optional
// event_id, timestamp and version fields are defaulted when absent.
func UnmarshalEvent(data []byte) (*Event, error) {
	fields, err := rawFields(data)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, "domain", "action", "data"); err != nil {
		return nil, err
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &FormatError{Err: err}
	}

	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if e.Version == "" {
		e.Version = DefaultVersion
	}
	return &e, nil
}

// MarshalRequest serializes an RPC request.
func MarshalRequest(r *Request) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return body, nil
}

// UnmarshalRequest parses an RPC request. Only the method field is
// mandatory; params, request_id, timestamp and timeout are defaulted.
func UnmarshalRequest(data []byte) (*Request, error) {
	fields, err := rawFields(data)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, "method"); err != nil {
		return nil, err
	}

	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &FormatError{Err: err}
	}

	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultRequestTimeout
	}
	return &r, nil
}

// MarshalResponse serializes an RPC response.
func MarshalResponse(r *Response) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return body, nil
}

// UnmarshalResponse parses an RPC response. Only request_id is
// mandatory.
func UnmarshalResponse(data []byte) (*Response, error) {
	fields, err := rawFields(data)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, "request_id"); err != nil {
		return nil, err
	}

	// success defaults to true when the field is absent, matching the
	// other implementations of this protocol.
	r := Response{Success: true}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &FormatError{Err: err}
	}

	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return &r, nil
}

// rawFields splits a JSON object into its top-level fields so that
// presence can be checked independently of zero values.
func rawFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &FormatError{Err: err}
	}
	return fields, nil
}

func requireFields(fields map[string]json.RawMessage, names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	return nil
}
