package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Control message types.
const (
	TypeTCP         = "tcp"
	TypeDNSResponse = "dns_response"
	TypeError       = "error"
)

// Directive is sent by the client as a text frame to name the target to dial.
type Directive struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls,omitempty"`
}

// DNSResponse server -> client acknowledgement that the target is connected.
type DNSResponse struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// ErrorMessage server -> client report of a failure; the session closes after it unless
// the failure was a rejected directive.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Connected builds the confirmation sent once the target connection is up.
func Connected() DNSResponse { return DNSResponse{Type: TypeDNSResponse, Status: "ok"} }

// Failure builds an error control message.
func Failure(msg string) ErrorMessage { return ErrorMessage{Type: TypeError, Message: msg} }

// Class is the result of classifying an inbound frame received before a target exists.
type Class int

const (
	// ClassPayload frames are opaque bytes destined for the target.
	ClassPayload Class = iota
	// ClassDirective frames carry a valid connect directive.
	ClassDirective
	// ClassUnknown frames are control messages of a type the relay does not handle.
	ClassUnknown
	// ClassRejected frames are connect directives with missing or invalid fields.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassPayload:
		return "payload"
	case ClassDirective:
		return "directive"
	case ClassUnknown:
		return "unknown"
	case ClassRejected:
		return "rejected"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

var (
	ErrMissingHost = errors.New("missing host")
	ErrMissingPort = errors.New("missing port")
	ErrInvalidPort = errors.New("port must be an integer in 1..65535")
)

// DirectiveError describes why a connect directive was rejected.
type DirectiveError struct {
	Err error
}

func (e *DirectiveError) Error() string { return "invalid directive: " + e.Err.Error() }
func (e *DirectiveError) Unwrap() error { return e.Err }

type rawDirective struct {
	Type *string         `json:"type"`
	Host json.RawMessage `json:"host"`
	Port json.RawMessage `json:"port"`
	TLS  json.RawMessage `json:"tls"`
}

// Classify decides whether a frame is a control directive or payload. Only text frames
// holding a JSON object with a string "type" field are control messages; everything else,
// including malformed JSON, is payload.
func Classify(text bool, payload []byte) (Class, Directive, error) {
	if !text || !utf8.Valid(payload) {
		return ClassPayload, Directive{}, nil
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ClassPayload, Directive{}, nil
	}
	var raw rawDirective
	if err := json.Unmarshal(trimmed, &raw); err != nil || raw.Type == nil {
		return ClassPayload, Directive{}, nil
	}
	if *raw.Type != TypeTCP {
		return ClassUnknown, Directive{Type: *raw.Type}, nil
	}
	d := Directive{Type: TypeTCP}
	if err := decodeHost(raw.Host, &d.Host); err != nil {
		return ClassRejected, d, &DirectiveError{Err: err}
	}
	if err := decodePort(raw.Port, &d.Port); err != nil {
		return ClassRejected, d, &DirectiveError{Err: err}
	}
	if len(raw.TLS) > 0 && !isNull(raw.TLS) {
		if err := json.Unmarshal(raw.TLS, &d.TLS); err != nil {
			return ClassRejected, d, &DirectiveError{Err: fmt.Errorf("tls must be a boolean: %w", err)}
		}
	}
	return ClassDirective, d, nil
}

func decodeHost(raw json.RawMessage, host *string) error {
	if len(raw) == 0 || isNull(raw) {
		return ErrMissingHost
	}
	if err := json.Unmarshal(raw, host); err != nil {
		return fmt.Errorf("host must be a string: %w", err)
	}
	*host = string(bytes.TrimSpace([]byte(*host)))
	if *host == "" {
		return ErrMissingHost
	}
	return nil
}

func decodePort(raw json.RawMessage, port *int) error {
	if len(raw) == 0 || isNull(raw) {
		return ErrMissingPort
	}
	if raw[0] == '"' {
		return ErrInvalidPort
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ErrInvalidPort
	}
	v, err := n.Int64()
	if err != nil || v < 1 || v > 65535 {
		return ErrInvalidPort
	}
	*port = int(v)
	return nil
}

func isNull(raw json.RawMessage) bool { return string(bytes.TrimSpace(raw)) == "null" }
