// Package protocol defines the JSON messages exchanged between peers and the relay.
//
// Two channels carry UTF-8 JSON objects:
//
//   - Registration (TCP, one exchange per connection):
//     request  {"action":"register","payload":<udp port>}
//     response {"success":true,"identifier":"host:port"} or
//     {"success":false,"message":"..."}
//   - Relay (UDP): {"identifier":"host:port","message":<any JSON>}. The server
//     forwards these bytes unmodified and never decodes them.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ActionRegister is the only action the registration service accepts.
const ActionRegister = "register"

var (
	// ErrMalformedRequest is returned when a request body is not a valid JSON object.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnknownAction is returned for any action other than ActionRegister.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidPort is returned when the register payload is not a usable UDP port.
	ErrInvalidPort = errors.New("invalid port")
)

// RegisterRequest asks the server to register the sender's UDP endpoint.
type RegisterRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// NewRegisterRequest builds a request advertising the given UDP port.
func NewRegisterRequest(port int) RegisterRequest {
	return RegisterRequest{
		Action:  ActionRegister,
		Payload: json.RawMessage(strconv.Itoa(port)),
	}
}

// Port returns the UDP port carried in the payload. Both a JSON integer and
// a decimal string are accepted.
func (r *RegisterRequest) Port() (int, error) {
	raw := bytes.TrimSpace(r.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing payload", ErrInvalidPort)
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidPort, err)
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(raw)
	}

	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidPort, text)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, port)
	}
	return port, nil
}

// Validate checks the action and payload. The returned error wraps one of
// ErrUnknownAction or ErrInvalidPort.
func (r *RegisterRequest) Validate() error {
	if r.Action != ActionRegister {
		return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
	_, err := r.Port()
	return err
}

// RegisterResponse is the server's single reply on the registration channel.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	Identifier string `json:"identifier,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Registered builds a success response.
func Registered(identifier string) RegisterResponse {
	return RegisterResponse{Success: true, Identifier: identifier}
}

// Rejected builds a failure response.
func Rejected(message string) RegisterResponse {
	return RegisterResponse{Success: false, Message: message}
}

// Envelope is the relay datagram a peer sends to the server.
type Envelope struct {
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

// EncodeEnvelope wraps message with the sender's identifier.
func EncodeEnvelope(identifier string, message any) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return json.Marshal(Envelope{Identifier: identifier, Message: body})
}
