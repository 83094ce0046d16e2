// Package protocol defines the wire format: one JSON envelope per line.
//
// Every application message is a single line of UTF-8 JSON terminated by
// '\n', carrying a type discriminator and a typed payload:
//
//	{"type":"login","payload":{"username":"alice","password":"..."}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLineLength is the maximum allowed length of one protocol line (64 KiB).
const MaxLineLength = 64 * 1024

// Message type discriminators (client → server).
const (
	TypeLogin         = "login"
	TypeRegister      = "register"
	TypeJoinChannel   = "join_channel"
	TypeSendMessage   = "send_message"
	TypeCreateChannel = "create_channel"
)

// Message type discriminators (server → client).
const (
	TypeLoginOK        = "login_ok"
	TypeLoginFailed    = "login_failed"
	TypeRegisterOK     = "register_ok"
	TypeRegisterFailed = "register_failed"
	TypeChannelJoined  = "channel_joined"
	TypeMessageHistory = "message_history"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeNewMessage     = "new_message"
	TypeChannelCreated = "channel_created"
	TypeError          = "error"
)

// Error codes carried by the generic error response.
const (
	CodeProtocolError   = "protocol_error"
	CodeAuthFailed      = "auth_failed"
	CodeInvalidInput    = "invalid_input"
	CodeAlreadyExists   = "already_exists"
	CodeNotInChannel    = "not_in_channel"
	CodeChannelNotFound = "channel_not_found"
	CodeServerError     = "server_error"
	CodeUnhandledType   = "unhandled_type"
)

// ErrLineTooLong indicates a line exceeded MaxLineLength. The remainder of
// the oversized line has already been consumed, so the connection can keep
// reading at the next line.
var ErrLineTooLong = errors.New("protocol: line exceeds maximum length")

// ParseError wraps a framing or JSON decoding failure for one line. It is
// recoverable: the offending line has been fully consumed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "protocol: parse: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Recoverable reports whether err is a per-line failure that leaves the
// connection usable (malformed line), as opposed to an I/O failure.
func Recoverable(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) || errors.Is(err, ErrLineTooLong)
}

// Envelope is the outer shape of every protocol message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with payload marshaled to JSON.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return &ParseError{Err: fmt.Errorf("%s: missing payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &ParseError{Err: fmt.Errorf("%s payload: %w", e.Type, err)}
	}
	return nil
}

// DecodeEnvelope parses one line into an envelope. The trailing newline, if
// present, must already be stripped.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(line, env); err != nil {
		return nil, &ParseError{Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Err: errors.New("missing type discriminator")}
	}
	return env, nil
}

// EncodeEnvelope serializes an envelope to a newline-terminated line.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(data)+1 > MaxLineLength {
		return nil, ErrLineTooLong
	}
	return append(data, '\n'), nil
}
