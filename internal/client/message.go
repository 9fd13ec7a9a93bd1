package client

import (
	"bytes"
	"encoding/json"
)

// Message is one drained datagram.
type Message struct {
	// Identifier is the sender's identifier when the datagram is an envelope.
	Identifier string `json:"identifier,omitempty"`

	// Message is the envelope's message field, or the whole decoded value
	// when the datagram is JSON but not an envelope.
	Message json.RawMessage `json:"message"`

	// Data is the whole decoded datagram. For malformed datagrams it holds
	// the text as a JSON string.
	Data json.RawMessage `json:"-"`

	// Raw holds the datagram exactly as received.
	Raw []byte `json:"-"`

	// Malformed is set when the datagram is not valid JSON.
	Malformed bool `json:"-"`
}

// Decode parses a relayed datagram. Any valid JSON value is kept as is.
// Datagrams that are not JSON are wrapped as text instead of being discarded.
func Decode(raw []byte) Message {
	msg := Message{Raw: raw}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		text, _ := json.Marshal(string(raw))
		msg.Data = text
		msg.Message = text
		msg.Malformed = true
		return msg
	}

	msg.Data = json.RawMessage(trimmed)
	msg.Message = msg.Data

	if trimmed[0] != '{' {
		return msg
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(trimmed, &fields) != nil {
		return msg
	}
	body, ok := fields["message"]
	if !ok {
		return msg
	}
	msg.Message = body
	if id, ok := fields["identifier"]; ok {
		var s string
		if json.Unmarshal(id, &s) == nil {
			msg.Identifier = s
		}
	}
	return msg
}

// Text returns the message as a string: the value itself for JSON strings,
// the JSON encoding otherwise.
func (m Message) Text() string {
	if len(m.Message) > 0 && m.Message[0] == '"' {
		var s string
		if json.Unmarshal(m.Message, &s) == nil {
			return s
		}
	}
	return string(m.Message)
}

// Unmarshal decodes the message field into v.
func (m Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Message, v)
}

// UnmarshalData decodes the whole datagram into v.
func (m Message) UnmarshalData(v any) error {
	return json.Unmarshal(m.Data, v)
}
