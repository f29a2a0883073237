package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
	}{
		{"empty payload", map[string]any{}},
		{"flat payload", map[string]any{"order_id": "ord-1", "amount": 99.5}},
		{"nested payload", map[string]any{
			"order_id": "ord-1",
			"items": []any{
				map[string]any{"product_id": "p-1", "quantity": float64(2)},
				map[string]any{"product_id": "p-2", "quantity": float64(1)},
			},
			"customer": map[string]any{"email": "a@example.com"},
		}},
		{"unicode payload", map[string]any{"note": "すし 🍣 — æøå"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEvent("order", "created", tc.data)

			body, err := MarshalEvent(e)
			require.NoError(t, err)

			decoded, err := UnmarshalEvent(body)
			require.NoError(t, err)
			assert.Equal(t, e, decoded)
		})
	}
}

func TestMarshalEventRejectsUnrepresentableValues(t *testing.T) {
	e := NewEvent("order", "created", map[string]any{"ch": make(chan int)})

	_, err := MarshalEvent(e)

	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, e.EventID, serErr.EventID)
}

func TestUnmarshalEvent(t *testing.T) {
	t.Run("malformed JSON", func(t *testing.T) {
		_, err := UnmarshalEvent([]byte("{not json"))

		var formatErr *FormatError
		assert.ErrorAs(t, err, &formatErr)
	})

	t.Run("non-object JSON", func(t *testing.T) {
		_, err := UnmarshalEvent([]byte(`[1, 2, 3]`))

		var formatErr *FormatError
		assert.ErrorAs(t, err, &formatErr)
	})

	t.Run("missing mandatory fields", func(t *testing.T) {
		_, err := UnmarshalEvent([]byte(`{"domain": "order"}`))

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.ElementsMatch(t, []string{"action", "data"}, schemaErr.Missing)
	})

	t.Run("optional fields are defaulted", func(t *testing.T) {
		e, err := UnmarshalEvent([]byte(`{"domain": "order", "action": "created", "data": {}}`))
		require.NoError(t, err)

		assert.NotEmpty(t, e.EventID)
		assert.NotEmpty(t, e.Timestamp)
		assert.Equal(t, DefaultVersion, e.Version)
	})

	t.Run("provided optional fields are kept", func(t *testing.T) {
		e, err := UnmarshalEvent([]byte(`{
			"domain": "order", "action": "created", "data": {},
			"event_id": "evt-1", "timestamp": "2024-01-01T00:00:00Z", "version": "2.0"
		}`))
		require.NoError(t, err)

		assert.Equal(t, "evt-1", e.EventID)
		assert.Equal(t, "2024-01-01T00:00:00Z", e.Timestamp)
		assert.Equal(t, "2.0", e.Version)
	})
}

func TestRequestRoundTrip(t *testing.T) {
	r := NewRequest("add", map[string]any{"a": float64(2), "b": float64(3)}, 15)

	body, err := MarshalRequest(r)
	require.NoError(t, err)

	decoded, err := UnmarshalRequest(body)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestUnmarshalRequest(t *testing.T) {
	t.Run("method is mandatory", func(t *testing.T) {
		_, err := UnmarshalRequest([]byte(`{"params": {}}`))

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, []string{"method"}, schemaErr.Missing)
	})

	t.Run("defaults applied", func(t *testing.T) {
		r, err := UnmarshalRequest([]byte(`{"method": "add"}`))
		require.NoError(t, err)

		assert.NotNil(t, r.Params)
		assert.NotEmpty(t, r.RequestID)
		assert.NotEmpty(t, r.Timestamp)
		assert.Equal(t, DefaultRequestTimeout, r.Timeout)
	})
}

func TestResponseRoundTrip(t *testing.T) {
	r := NewResponse("req-1", map[string]any{"sum": float64(5)})

	body, err := MarshalResponse(r)
	require.NoError(t, err)

	decoded, err := UnmarshalResponse(body)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestUnmarshalResponse(t *testing.T) {
	t.Run("request_id is mandatory", func(t *testing.T) {
		_, err := UnmarshalResponse([]byte(`{"success": true}`))

		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, []string{"request_id"}, schemaErr.Missing)
	})

	t.Run("success defaults to true", func(t *testing.T) {
		r, err := UnmarshalResponse([]byte(`{"request_id": "req-1"}`))
		require.NoError(t, err)
		assert.True(t, r.Success)
	})

	t.Run("explicit failure is preserved", func(t *testing.T) {
		r, err := UnmarshalResponse([]byte(`{"request_id": "req-1", "success": false, "error": "boom"}`))
		require.NoError(t, err)
		assert.False(t, r.Success)
		assert.Equal(t, "boom", r.Error)
	})
}
