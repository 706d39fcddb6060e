package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/biglist/biglist-go/contracts"
)

// Encode serializes payload to JSON. Messages are validated first so an
// invalid payload never reaches the broker.
func Encode(payload any) ([]byte, error) {
	if msg, ok := payload.(contracts.Message); ok {
		if err := msg.Validate(); err != nil {
			return nil, &contracts.SerializationError{Type: msg.MessageType(), Err: err}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &contracts.SerializationError{Type: typeName(payload), Err: err}
	}
	return body, nil
}

// Decode parses body as a T. Unknown fields, trailing data and payloads
// failing validation are rejected with a SerializationError.
func Decode[T any](body []byte) (T, error) {
	var msg T

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return msg, &contracts.SerializationError{Type: typeName(msg), Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return msg, &contracts.SerializationError{Type: typeName(msg), Err: errors.New("trailing data after payload")}
	}

	if m, ok := any(msg).(contracts.Message); ok {
		if err := m.Validate(); err != nil {
			return msg, &contracts.SerializationError{Type: m.MessageType(), Err: err}
		}
	}

	return msg, nil
}

func typeName(v any) string {
	if m, ok := v.(contracts.Message); ok {
		return m.MessageType()
	}
	return fmt.Sprintf("%T", v)
}
