package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidRequest = errors.New("invalid request")

// Request is an inbound frame sent by an observer.
type Request interface {
	Type() Type
}

type Subscribe struct {
	ExecutionID string `json:"executionId"`
}

func (Subscribe) Type() Type { return TypeSubscribe }

type Unsubscribe struct {
	ExecutionID string `json:"executionId"`
}

func (Unsubscribe) Type() Type { return TypeUnsubscribe }

type Ping struct{}

func (Ping) Type() Type { return TypePing }

// EncodeRequest marshals r with its "type" discriminator.
func EncodeRequest(r Request) ([]byte, error) {
	switch v := r.(type) {
	case Subscribe:
		return json.Marshal(struct {
			Type        Type   `json:"type"`
			ExecutionID string `json:"executionId"`
		}{v.Type(), v.ExecutionID})
	case Unsubscribe:
		return json.Marshal(struct {
			Type        Type   `json:"type"`
			ExecutionID string `json:"executionId"`
		}{v.Type(), v.ExecutionID})
	case Ping:
		return json.Marshal(struct {
			Type Type `json:"type"`
		}{v.Type()})
	default:
		return nil, fmt.Errorf("encoding %T: %w", r, ErrInvalidRequest)
	}
}

// DecodeRequest parses an inbound frame. Malformed JSON, an unknown type, or a
// subscription request without an execution ID all yield ErrInvalidRequest.
func DecodeRequest(b []byte) (Request, error) {
	var raw struct {
		Type        Type   `json:"type"`
		ExecutionID string `json:"executionId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	switch raw.Type {
	case TypeSubscribe:
		if raw.ExecutionID == "" {
			return nil, fmt.Errorf("%w: subscribe requires executionId", ErrInvalidRequest)
		}
		return Subscribe{ExecutionID: raw.ExecutionID}, nil
	case TypeUnsubscribe:
		if raw.ExecutionID == "" {
			return nil, fmt.Errorf("%w: unsubscribe requires executionId", ErrInvalidRequest)
		}
		return Unsubscribe{ExecutionID: raw.ExecutionID}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, raw.Type)
	}
}
