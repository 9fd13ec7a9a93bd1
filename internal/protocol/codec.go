package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize bounds a single message on the registration channel.
const DefaultMaxMessageSize = 1024

// ErrMessageTooLarge is returned when a message exceeds the read limit.
var ErrMessageTooLarge = errors.New("message too large")

// ReadRegisterRequest reads exactly one JSON request from r. Reading stops
// at the end of the first JSON value, so the sender does not have to close
// its side of the connection.
func ReadRegisterRequest(r io.Reader, maxSize int) (*RegisterRequest, error) {
	var req RegisterRequest
	if err := readJSON(r, maxSize, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ReadRegisterResponse reads exactly one JSON response from r.
func ReadRegisterResponse(r io.Reader, maxSize int) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := readJSON(r, maxSize, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteMessage encodes v as one JSON object on w.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

func readJSON(r io.Reader, maxSize int, v any) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	lr := &io.LimitedReader{R: r, N: int64(maxSize)}

	dec := json.NewDecoder(lr)
	if err := dec.Decode(v); err != nil {
		if lr.N <= 0 {
			return ErrMessageTooLarge
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		return err
	}
	return nil
}
