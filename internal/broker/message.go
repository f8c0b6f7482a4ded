package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedMessage is returned when a delivery body is not a valid
// dispatch message.
var ErrMalformedMessage = errors.New("broker: malformed dispatch message")

// DispatchMessage asks a worker to send one email. It carries only the
// email id; everything else is read from the database.
type DispatchMessage struct {
	EmailID string `json:"emailId"`
}

// Encode serializes the message to its JSON wire form.
func (m DispatchMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch message: %w", err)
	}
	return data, nil
}

// DecodeDispatch parses a delivery body. Unknown fields are ignored; bad
// JSON or a missing or blank emailId yields ErrMalformedMessage.
func DecodeDispatch(body []byte) (DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DispatchMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg.EmailID = strings.TrimSpace(msg.EmailID)
	if msg.EmailID == "" {
		return DispatchMessage{}, fmt.Errorf("%w: missing emailId", ErrMalformedMessage)
	}
	return msg, nil
}
