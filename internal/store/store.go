package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned by the compare-and-set transitions when the
	// row is no longer in the expected state.
	ErrConflict = errors.New("store: state changed concurrently")
)

// Store is the row store the coordination layer persists through. Every
// consumer declares the subset it needs; Postgres and Memory implement all
// of it.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindConversation(ctx context.Context, creatorID, fanID, serviceOrderID string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)
	// EnableConversation also discards any acceptance window.
	EnableConversation(ctx context.Context, id string) (bool, error)

	// OpenAcceptanceWindow stores w unless a window open at now exists, in
	// which case it returns ErrConflict. An expired window is replaced.
	OpenAcceptanceWindow(ctx context.Context, w *AcceptanceWindow, now time.Time) error
	GetAcceptanceWindow(ctx context.Context, conversationID string) (*AcceptanceWindow, error)
	// AcceptAcceptanceWindow removes window windowID and enables the
	// conversation atomically. ErrConflict when that window is gone,
	// replaced or expired at now.
	AcceptAcceptanceWindow(ctx context.Context, conversationID, windowID string, now time.Time) error
	// CloseAcceptanceWindow removes window windowID, or returns ErrConflict.
	CloseAcceptanceWindow(ctx context.Context, conversationID, windowID string) error

	// RecordMessage returns ErrConflict when the sender already used the
	// message's client id in that conversation.
	RecordMessage(ctx context.Context, m *Message, recipientID, preview string) error
	FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)

	CreateServiceOrder(ctx context.Context, o *ServiceOrder) error
	GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error)
	ActivateServiceOrder(ctx context.Context, id string, activatedAt, expiresAt time.Time) error
	CompleteServiceOrder(ctx context.Context, id string, at time.Time) error
	CancelServiceOrder(ctx context.Context, id string) error
	ListActiveServiceOrders(ctx context.Context) ([]*ServiceOrder, error)

	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	TransitionCall(ctx context.Context, id string, from, to CallState, at time.Time) error
	ListRingingCallsBefore(ctx context.Context, before time.Time) ([]*Call, error)
	// ListLiveCalls returns the ringing or accepted calls userID is a party to.
	ListLiveCalls(ctx context.Context, userID string) ([]*Call, error)
}
