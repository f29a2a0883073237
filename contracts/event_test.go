package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("generates identity and defaults", func(t *testing.T) {
		e := NewEvent("order", "created", map[string]any{"order_id": "ord-1"})

		assert.Equal(t, "order", e.Domain)
		assert.Equal(t, "created", e.Action)
		assert.NotEmpty(t, e.EventID)
		assert.Equal(t, DefaultVersion, e.Version)

		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, ts.Location())
	})

	t.Run("nil data becomes empty map", func(t *testing.T) {
		e := NewEvent("order", "created", nil)
		assert.NotNil(t, e.Data)
		assert.Empty(t, e.Data)
	})

	t.Run("event ids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			e := NewEvent("order", "created", nil)
			assert.False(t, seen[e.EventID])
			seen[e.EventID] = true
		}
	})
}

func TestEventRoutingKey(t *testing.T) {
	e := NewEvent("order", "created", nil)
	assert.Equal(t, "order.created", e.RoutingKey())

	// Derived, never stored: changing the classification changes the key.
	e.Action = "updated"
	assert.Equal(t, "order.updated", e.RoutingKey())
}

func TestEventValidate(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		assert.NoError(t, NewEvent("order", "created", nil).Validate())
	})

	t.Run("empty domain and action", func(t *testing.T) {
		err := (&Event{}).Validate()

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.ElementsMatch(t, []string{"domain", "action"}, schemaErr.Missing)
	})
}

func TestNewRequest(t *testing.T) {
	t.Run("generates identity and defaults", func(t *testing.T) {
		r := NewRequest("add", map[string]any{"a": 2}, 0)

		assert.Equal(t, "add", r.Method)
		assert.NotEmpty(t, r.RequestID)
		assert.NotEmpty(t, r.Timestamp)
		assert.Equal(t, DefaultRequestTimeout, r.Timeout)
	})

	t.Run("nil params becomes empty map", func(t *testing.T) {
		r := NewRequest("add", nil, 10)
		assert.NotNil(t, r.Params)
		assert.Equal(t, 10, r.Timeout)
	})
}

func TestNewResponse(t *testing.T) {
	ok := NewResponse("req-1", 42)
	assert.True(t, ok.Success)
	assert.Equal(t, 42, ok.Result)
	assert.Empty(t, ok.Error)

	failed := NewErrorResponse("req-1", "boom")
	assert.False(t, failed.Success)
	assert.Nil(t, failed.Result)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, "req-1", failed.RequestID)
}
