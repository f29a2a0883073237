package contracts

import (
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the envelope schema version stamped on new events.
// It is carried for forward compatibility and not interpreted by this
// module.
const DefaultVersion = "1.0"

// Event is the envelope published to and consumed from the broker.
// Once constructed it is treated as read-only; the routing key is
// always derived from Domain and Action so it can never diverge from
// them.
type Event struct {
	Domain    string         `json:"domain"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
}

// NewEvent creates an event with a fresh event id and a UTC RFC 3339
// timestamp. Data values must be JSON-representable; MarshalEvent
// rejects anything else.
func NewEvent(domain, action string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Domain:    domain,
		Action:    action,
		Data:      data,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   DefaultVersion,
	}
}

// RoutingKey returns "domain.action".
func (e *Event) RoutingKey() string {
	return e.Domain + "." + e.Action
}

// Validate checks the invariants an event must satisfy before it may
// be published.
func (e *Event) Validate() error {
	var missing []string
	if e.Domain == "" {
		missing = append(missing, "domain")
	}
	if e.Action == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	return nil
}
