package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs the tests and the -memory dev
// mode; every method copies records in and out so callers never share
// mutable state with the store.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversationID -> ordered messages
	orders        map[string]*ServiceOrder
	calls         map[string]*Call
	windows       map[string]*AcceptanceWindow // by conversation id
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		orders:        make(map[string]*ServiceOrder),
		calls:         make(map[string]*Call),
		windows:       make(map[string]*AcceptanceWindow),
	}
}

func (m *Memory) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.conversations {
		if existing.CreatorID == c.CreatorID && existing.FanID == c.FanID && existing.ServiceOrderID == c.ServiceOrderID {
			return ErrConflict
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) FindConversation(ctx context.Context, creatorID, fanID, serviceOrderID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.CreatorID == creatorID && c.FanID == fanID && c.ServiceOrderID == serviceOrderID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) EnableConversation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	delete(m.windows, id)
	if c.IsEnabled {
		return false, nil
	}
	c.IsEnabled = true
	return true, nil
}

func (m *Memory) OpenAcceptanceWindow(ctx context.Context, w *AcceptanceWindow, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[w.ConversationID]; !ok {
		return ErrNotFound
	}
	if cur, ok := m.windows[w.ConversationID]; ok && cur.Open(now) {
		return ErrConflict
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	cp := *w
	m.windows[w.ConversationID] = &cp
	return nil
}

func (m *Memory) GetAcceptanceWindow(ctx context.Context, conversationID string) (*AcceptanceWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) AcceptAcceptanceWindow(ctx context.Context, conversationID, windowID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[conversationID]
	if !ok || w.ID != windowID || !w.Open(now) {
		return ErrConflict
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	delete(m.windows, conversationID)
	c.IsEnabled = true
	return nil
}

func (m *Memory) CloseAcceptanceWindow(ctx context.Context, conversationID, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[conversationID]
	if !ok || w.ID != windowID {
		return ErrConflict
	}
	delete(m.windows, conversationID)
	return nil
}

func (m *Memory) RecordMessage(ctx context.Context, msg *Message, recipientID, preview string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ClientID != "" {
		for _, prior := range m.messages[msg.ConversationID] {
			if prior.SenderID == msg.SenderID && prior.ClientID == msg.ClientID {
				return ErrConflict
			}
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)

	at := msg.CreatedAt
	c.LastMessageAt = &at
	c.LastMessagePreview = preview
	switch recipientID {
	case c.CreatorID:
		c.CreatorUnread++
	case c.FanID:
		c.FanUnread++
	}
	return nil
}

func (m *Memory) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == senderID && msg.ClientID == clientID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the newest limit messages in ascending order.
func (m *Memory) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != readerID && msg.ReadAt == nil {
			readAt := at
			msg.ReadAt = &readAt
			n++
		}
	}
	switch readerID {
	case c.CreatorID:
		c.CreatorUnread = 0
	case c.FanID:
		c.FanUnread = 0
	}
	return n, nil
}

func (m *Memory) CreateServiceOrder(ctx context.Context, o *ServiceOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ActivateServiceOrder(ctx context.Context, id string, activatedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != OrderPending {
		return ErrConflict
	}
	o.Status = OrderActive
	o.ActivatedAt = &activatedAt
	o.ExpiresAt = &expiresAt
	return nil
}

func (m *Memory) CompleteServiceOrder(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != OrderActive {
		return ErrConflict
	}
	o.Status = OrderFulfilled
	o.UtilizedAt = &at
	return nil
}

func (m *Memory) CancelServiceOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != OrderPending && o.Status != OrderActive {
		return ErrConflict
	}
	o.Status = OrderCancelled
	return nil
}

func (m *Memory) ListActiveServiceOrders(ctx context.Context) ([]*ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ServiceOrder
	for _, o := range m.orders {
		if o.Status == OrderActive {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateCall(ctx context.Context, c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.calls[c.ID] = &cp
	return nil
}

func (m *Memory) GetCall(ctx context.Context, id string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) TransitionCall(ctx context.Context, id string, from, to CallState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	if c.State != from {
		return ErrConflict
	}
	c.State = to
	if to == CallAccepted {
		c.AnsweredAt = &at
	}
	if to.Terminal() {
		c.EndedAt = &at
	}
	return nil
}

func (m *Memory) ListRingingCallsBefore(ctx context.Context, before time.Time) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if c.State == CallRinging && c.CreatedAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListLiveCalls(ctx context.Context, userID string) ([]*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Call
	for _, c := range m.calls {
		if (c.State == CallRinging || c.State == CallAccepted) && c.HasParty(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}
