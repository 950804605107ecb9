package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrUnknownType marks an envelope whose type is outside the catalogue.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed marks an envelope missing fields its type requires.
	ErrMalformed = errors.New("malformed message")
)

// Encode serializes an envelope to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses one wire message into an envelope and validates it against
// the catalogue. Callers on the read path treat a non-nil error as a
// protocol violation: logged and ignored after the handshake, fatal during
// it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields required by the envelope's type. The switch
// is exhaustive over the catalogue so a new message type cannot ship
// without a validation arm.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeHello:
		if e.Token == "" {
			return fmt.Errorf("%w: hello without token", ErrMalformed)
		}
		if e.AgentID == "" {
			return fmt.Errorf("%w: hello without agentId", ErrMalformed)
		}
		if e.Version == "" {
			return fmt.Errorf("%w: hello without version", ErrMalformed)
		}
	case TypeWelcome:
		if e.Version == "" {
			return fmt.Errorf("%w: welcome without version", ErrMalformed)
		}
	case TypeRequest:
		if e.RequestID == "" || e.Method == "" || e.Path == "" {
			return fmt.Errorf("%w: request needs requestId, method and path", ErrMalformed)
		}
	case TypeResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%w: response without requestId", ErrMalformed)
		}
		if e.StatusCode == 0 {
			return fmt.Errorf("%w: response without statusCode", ErrMalformed)
		}
	case TypeStream:
		if e.RequestID == "" {
			return fmt.Errorf("%w: stream chunk without requestId", ErrMalformed)
		}
	case TypeStreamEnd:
		if e.RequestID == "" {
			return fmt.Errorf("%w: stream_end without requestId", ErrMalformed)
		}
	case TypeExecStart:
		if e.ExecID == "" || e.ContainerID == "" || len(e.Cmd) == 0 {
			return fmt.Errorf("%w: exec_start needs execId, containerId and cmd", ErrMalformed)
		}
	case TypeExecReady, TypeExecInput, TypeExecOutput, TypeExecResize, TypeExecEnd:
		if e.ExecID == "" {
			return fmt.Errorf("%w: %s without execId", ErrMalformed, e.Type)
		}
	case TypePing, TypePong:
		// No payload.
	case TypeMetrics:
		if len(e.Metrics) == 0 {
			return fmt.Errorf("%w: metrics without payload", ErrMalformed)
		}
	case TypeContainerEvent:
		if len(e.Event) == 0 {
			return fmt.Errorf("%w: container_event without payload", ErrMalformed)
		}
	case TypeError:
		if e.Message == "" {
			return fmt.Errorf("%w: error without message", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// EncodeBody prepares an HTTP payload for the envelope. Valid UTF-8 passes
// through untouched; anything else is base64-encoded and flagged binary so
// the receiver can reverse the transform.
func EncodeBody(body []byte) (s string, isBinary bool) {
	if len(body) == 0 {
		return "", false
	}
	if utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string, isBinary bool) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if !isBinary {
		return []byte(s), nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 body: %v", ErrMalformed, err)
	}
	return data, nil
}

// EncodeData base64-encodes a stream or exec chunk. Chunks are always
// base64 on the wire regardless of content.
func EncodeData(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// DecodeData reverses EncodeData.
func DecodeData(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 data: %v", ErrMalformed, err)
	}
	return data, nil
}
