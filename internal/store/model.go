package store

import "time"

// ---------------------------------------------
// Conversations & Messages
// ---------------------------------------------

type Conversation struct {
	ID                 string     `json:"id"`
	CreatorID          string     `json:"creator_id"`
	FanID              string     `json:"fan_id"`
	ServiceOrderID     string     `json:"service_order_id,omitempty"`
	IsEnabled          bool       `json:"is_enabled"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	CreatorUnread      int        `json:"creator_unread"`
	FanUnread          int        `json:"fan_unread"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.CreatorID || userID == c.FanID)
}

// Counterpart returns the other participant, or "" when userID is not one.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.CreatorID:
		return c.FanID
	case c.FanID:
		return c.CreatorID
	}
	return ""
}

// Linked reports whether the conversation belongs to a paid service order.
func (c *Conversation) Linked() bool { return c.ServiceOrderID != "" }

// AcceptanceWindow is the single open offer on a disabled conversation for
// the counterpart of InitiatorID to accept.
type AcceptanceWindow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	InitiatorID    string    `json:"initiator_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Open reports whether the window still accepts answers at now.
func (w *AcceptanceWindow) Open(now time.Time) bool { return now.Before(w.ExpiresAt) }

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo:
		return true
	}
	return false
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	ClientID       string      `json:"client_id,omitempty"` // sender's optimistic placeholder id
	CreatedAt      time.Time   `json:"created_at"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}

// ---------------------------------------------
// Service orders
// ---------------------------------------------

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCancelled OrderStatus = "cancelled"
)

type ServiceOrder struct {
	ID              string      `json:"id"`
	CreatorID       string      `json:"creator_id"`
	UserID          string      `json:"user_id"`
	Status          OrderStatus `json:"status"`
	DurationMinutes int         `json:"duration_minutes"`
	ActivatedAt     *time.Time  `json:"activated_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	UtilizedAt      *time.Time  `json:"utilized_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

func (o *ServiceOrder) Duration() time.Duration {
	return time.Duration(o.DurationMinutes) * time.Minute
}

func (o *ServiceOrder) HasParty(userID string) bool {
	return userID != "" && (userID == o.CreatorID || userID == o.UserID)
}

// Remaining is a pure function of now and the wall-clock deadline. It does
// not pause while a party is offline.
func (o *ServiceOrder) Remaining(now time.Time) time.Duration {
	switch o.Status {
	case OrderPending:
		return o.Duration()
	case OrderActive:
		if o.ExpiresAt == nil {
			return 0
		}
		if left := o.ExpiresAt.Sub(now); left > 0 {
			return left
		}
	}
	return 0
}

// ---------------------------------------------
// Calls
// ---------------------------------------------

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

type CallState string

const (
	CallRinging  CallState = "ringing"
	CallAccepted CallState = "accepted"
	CallRejected CallState = "rejected"
	CallTimedOut CallState = "timed_out"
	CallEnded    CallState = "ended"
)

func (s CallState) Terminal() bool {
	return s == CallRejected || s == CallTimedOut || s == CallEnded
}

type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Type       CallType   `json:"type"`
	State      CallState  `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (c *Call) HasParty(userID string) bool {
	return userID != "" && (userID == c.CallerID || userID == c.ReceiverID)
}

func (c *Call) Other(userID string) string {
	if userID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}
