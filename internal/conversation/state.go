package conversation

import (
	"context"
	"errors"
	"time"

	"go-fanline/internal/store"
)

type WindowView struct {
	InitiatorID string    `json:"initiator_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type OrderView struct {
	ID               string            `json:"id"`
	Status           store.OrderStatus `json:"status"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
}

// StateView is what polling clients read in place of the live events.
type StateView struct {
	ConversationID string      `json:"conversation_id"`
	IsEnabled      bool        `json:"is_enabled"`
	Phase          Phase       `json:"phase"`
	Window         *WindowView `json:"window,omitempty"`
	Order          *OrderView  `json:"order,omitempty"`
}

// State is read-only: it never opens, closes or expires anything.
func (m *Manager) State(ctx context.Context, conversationID, userID string) (StateView, error) {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return StateView{}, err
	}
	if !conv.HasParticipant(userID) {
		return StateView{}, ErrUnauthorized
	}

	view := StateView{ConversationID: conv.ID, IsEnabled: conv.IsEnabled, Phase: PhaseDisabled}
	if conv.IsEnabled {
		view.Phase = PhaseEnabled
	} else {
		w, ok, err := m.OpenWindow(ctx, conv.ID)
		if err != nil {
			return StateView{}, err
		}
		if ok {
			view.Phase = PhaseAcceptancePending
			view.Window = &WindowView{InitiatorID: w.InitiatorID, ExpiresAt: w.ExpiresAt}
		}
	}

	if conv.Linked() {
		order, err := m.store.GetServiceOrder(ctx, conv.ServiceOrderID)
		switch {
		case err == nil:
			view.Order = &OrderView{
				ID:               order.ID,
				Status:           order.Status,
				RemainingSeconds: int64(order.Remaining(m.clock.Now()) / time.Second),
				ExpiresAt:        order.ExpiresAt,
			}
		case !errors.Is(err, store.ErrNotFound):
			return StateView{}, err
		}
	}
	return view, nil
}

// List returns the user's conversations.
func (m *Manager) List(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return m.store.ListConversationsForUser(ctx, userID)
}
