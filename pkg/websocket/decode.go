package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrEmptyPayload     = errors.New("empty payload")
	ErrMissingType      = errors.New("event type is required")
)

// maxEncodingDepth bounds how many times a frame may be JSON-encoded as a string.
const maxEncodingDepth = 3

// DecodeEvent parses an inbound frame. Clients may send the frame, or only its
// data, as a JSON-encoded string, and may wrap data in an extra {"data": ...}
// object; all of these are normalised here so handlers only see plain JSON.
func DecodeEvent(frame []byte) (Event, error) {
	raw, err := unquote(frame)
	if err != nil {
		return Event{}, err
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}

	ev.Data, err = NormalizePayload(ev.Data)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// NormalizePayload strips string encoding and a lone "data" wrapper from a payload.
func NormalizePayload(data json.RawMessage) (json.RawMessage, error) {
	// Each level may be string-encoded and wrapped.
	for i := 0; i < 2*maxEncodingDepth; i++ {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 {
			return nil, nil
		}

		switch trimmed[0] {
		case '"':
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			inner := bytes.TrimSpace([]byte(s))
			if len(inner) == 0 || (inner[0] != '{' && inner[0] != '[' && inner[0] != '"') {
				// A plain string value, not an encoded document.
				return trimmed, nil
			}
			data = inner
		case '{':
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(trimmed, &obj); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			inner, wrapped := obj["data"]
			if !wrapped || len(obj) != 1 {
				return trimmed, nil
			}
			data = inner
		default:
			return trimmed, nil
		}
	}
	return nil, fmt.Errorf("%w: payload nested too deeply", ErrMalformedPayload)
}

func unquote(frame []byte) ([]byte, error) {
	raw := bytes.TrimSpace(frame)
	for i := 0; i < maxEncodingDepth; i++ {
		if len(raw) == 0 || raw[0] != '"' {
			return raw, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	if len(raw) > 0 && raw[0] == '"' {
		return nil, fmt.Errorf("%w: frame nested too deeply", ErrMalformedPayload)
	}
	return raw, nil
}
