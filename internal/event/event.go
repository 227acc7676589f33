package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-fanline/internal/room"
)

// Type is the closed set of envelope kinds carried on the real-time channel.
type Type string

const (
	MessageSend     Type = "message:send"
	MessageReceived Type = "message:received"
	MessageRead     Type = "message:read"
	TypingStart     Type = "typing:start"
	TypingStop      Type = "typing:stop"
	PresenceOnline  Type = "presence:online"
	PresenceOffline Type = "presence:offline"

	ChatStart   Type = "chat:start"
	ChatAccept  Type = "chat:accept"
	ChatReject  Type = "chat:reject"
	ChatTimeout Type = "chat:timeout"

	CallInitiate Type = "call:initiate"
	CallAccept   Type = "call:accept"
	CallReject   Type = "call:reject"
	CallEnd      Type = "call:end"
	IncomingCall Type = "incoming_call"
	CallAccepted Type = "call_accepted"
	CallRejected Type = "call_rejected"
	CallEnded    Type = "call_ended"
	CallTimeout  Type = "call_timeout"
	CallRinging  Type = "call_ringing"

	FulfillmentStarted   Type = "fulfillment:started"
	FulfillmentCompleted Type = "fulfillment:completed"

	Error Type = "error"
)

// Inbound reports whether clients may send this type to the server.
func (t Type) Inbound() bool {
	switch t {
	case MessageSend, MessageRead, TypingStart, TypingStop,
		ChatStart, ChatAccept, ChatReject,
		CallInitiate, CallAccept, CallReject, CallEnd:
		return true
	}
	return false
}

// Envelope is the wire frame: {type, timestamp, payload}.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var ErrMalformed = errors.New("malformed envelope")

// New builds an envelope, marshalling payload as JSON.
func New(t Type, at time.Time, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: at.UTC()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode parses a frame received from a client.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// NewError builds an "error" envelope. It never fails.
func NewError(at time.Time, code, message string) Envelope {
	env, _ := New(Error, at, ErrorPayload{Code: code, Message: message})
	return env
}

// Deliverer pushes an envelope to every live connection of the given users.
// Implementations must not block on slow connections.
type Deliverer interface {
	Deliver(ctx context.Context, userIDs []string, env Envelope) error
}

// Payloads.

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

type MessageReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id,omitempty"`
	ReadAt         time.Time `json:"read_at,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type ChatStartPayload struct {
	ConversationID string    `json:"conversation_id"`
	InitiatorID    string    `json:"initiator_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type ChatResultPayload struct {
	ConversationID string `json:"conversation_id"`
	ResponderID    string `json:"responder_id,omitempty"`
}

type CallInitiatePayload struct {
	ReceiverID string `json:"receiver_id"`
	Type       string `json:"type"`
}

type CallRef struct {
	CallID string `json:"call_id"`
}

type CallPayload struct {
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
	Type       string `json:"type"`
}

// CallAcceptedPayload carries the recipient's own room credential.
type CallAcceptedPayload struct {
	CallID     string          `json:"call_id"`
	Credential room.Credential `json:"credential"`
}

type FulfillmentPayload struct {
	ServiceOrderID string     `json:"service_order_id"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UtilizedAt     *time.Time `json:"utilized_at,omitempty"`
}
