// Package wire defines the application envelope exchanged over a session
// channel and its binary framing.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindHandshakeInit   Kind = "HANDSHAKE_INIT"
	KindHandshakeAccept Kind = "HANDSHAKE_ACCEPT"
	KindChatMessage     Kind = "CHAT_MESSAGE"
	KindChannelSync     Kind = "CHANNEL_SYNC"
	KindBoardUpdate     Kind = "BOARD_UPDATE"
	KindDeleteMessage   Kind = "DELETE_MESSAGE"
	KindTypingStatus    Kind = "TYPING_STATUS"
)

// Envelope field numbers in the protobuf encoding.
const (
	fieldKind    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

var (
	// ErrEmptyKind is returned when an envelope carries no kind tag.
	ErrEmptyKind = errors.New("wire: envelope kind is empty")

	// ErrMalformed is returned when an envelope cannot be decoded.
	ErrMalformed = errors.New("wire: malformed envelope")
)

// IsHandshake reports whether k belongs to the session handshake.
func (k Kind) IsHandshake() bool {
	return k == KindHandshakeInit || k == KindHandshakeAccept
}

// Known reports whether k is one of the kinds defined by this package.
func (k Kind) Known() bool {
	switch k {
	case KindHandshakeInit, KindHandshakeAccept, KindChatMessage, KindChannelSync,
		KindBoardUpdate, KindDeleteMessage, KindTypingStatus:
		return true
	default:
		return false
	}
}

// Envelope is the discriminated {kind, payload} message. The payload is opaque
// to the session layer except for the handshake kinds.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Hello is the payload of HANDSHAKE_INIT and HANDSHAKE_ACCEPT.
// Stamp carries a hashcash stamp on HANDSHAKE_INIT when the sender mints them.
type Hello struct {
	DisplayName string `json:"displayName"`
	Stamp       string `json:"stamp,omitempty"`
}

// NewEnvelope JSON-encodes v as the payload of a new envelope.
func NewEnvelope(kind Kind, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}

// Decode JSON-decodes the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Marshal encodes the envelope in protobuf wire format.
func Marshal(e Envelope) ([]byte, error) {
	if e.Kind == "" {
		return nil, ErrEmptyKind
	}
	b := make([]byte, 0, len(e.Kind)+len(e.Payload)+8)
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Kind))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b, nil
}

// Unmarshal decodes an envelope produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Kind = Kind(v)
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Payload = append([]byte(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if e.Kind == "" {
		return Envelope{}, ErrEmptyKind
	}
	return e, nil
}
