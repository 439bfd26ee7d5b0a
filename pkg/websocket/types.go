package websocket

import (
	"encoding/json"
	"fmt"
)

// EventError is sent back when a frame cannot be decoded or routed.
const EventError = "error"

// Event Base message structure
// @Description Envelope for every WebSocket frame in both directions
type Event struct {
	Type string          `json:"type" example:"send-msg"`
	Data json.RawMessage `json:"data,omitempty" swaggertype:"object"`
}

// NewEvent marshals payload into the data field. A nil payload produces an
// event without a body.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	ev := Event{Type: eventType}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev.Data = data
	return ev, nil
}

// MustEvent is NewEvent for payloads that always marshal.
func MustEvent(eventType string, payload interface{}) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Bind decodes the event payload into v.
func (e Event) Bind(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// ErrorPayload is the body of EventError and of handler-specific error replies.
type ErrorPayload struct {
	Error string `json:"error" example:"userId is required"`
}

// ErrorResponse Standard error response
type ErrorResponse struct {
	Code    int    `json:"code" example:"400"`
	Message string `json:"message" example:"Invalid request"`
}

// ValidationError Field-specific validation error
type ValidationError struct {
	Field   string `json:"field" example:"userId"`
	Message string `json:"message" example:"userId is too long"`
}

func (e *ValidationError) Error() string {
	return e.Message
}
