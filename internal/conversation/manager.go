// Package conversation gates who may message whom: conversations linked to a
// paid order stay disabled until the counterpart accepts an acceptance window
// or the creator enables them by hand.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moby/locker"
	"go.uber.org/zap"

	"go-fanline/internal/apperr"
	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
	"go-fanline/internal/presence"
	"go-fanline/internal/store"
	"go-fanline/internal/timer"
)

const (
	DefaultWindow   = 30 * time.Second
	DefaultDebounce = 3 * time.Second
)

var (
	ErrNotFound       = apperr.New(apperr.KindNotFound, apperr.CodeConversationNotFound, "conversation not found")
	ErrUnauthorized   = apperr.New(apperr.KindAuthorization, apperr.CodeUnauthorized, "not allowed for this conversation")
	ErrInvalid        = apperr.New(apperr.KindValidation, apperr.CodeInvalidPayload, "invalid conversation request")
	ErrAlreadyEnabled = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "conversation already enabled")
	ErrNoActiveOrder  = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "no active service order for this conversation")
	ErrPartiesOffline = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "both parties must be online")
	ErrWindowOpen     = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "an acceptance window is already open")
	ErrNoWindow       = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "no open acceptance window")
	ErrInitiator      = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "the initiator cannot answer its own window")
)

type Phase string

const (
	PhaseDisabled          Phase = "disabled"
	PhaseAcceptancePending Phase = "acceptance_pending"
	PhaseEnabled           Phase = "enabled"
)

type Store interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	FindConversation(ctx context.Context, creatorID, fanID, serviceOrderID string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.Conversation, error)
	EnableConversation(ctx context.Context, id string) (bool, error)
	GetServiceOrder(ctx context.Context, id string) (*store.ServiceOrder, error)

	OpenAcceptanceWindow(ctx context.Context, w *store.AcceptanceWindow, now time.Time) error
	GetAcceptanceWindow(ctx context.Context, conversationID string) (*store.AcceptanceWindow, error)
	AcceptAcceptanceWindow(ctx context.Context, conversationID, windowID string, now time.Time) error
	CloseAcceptanceWindow(ctx context.Context, conversationID, windowID string) error
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// Window is an open acceptance window. Windows live in the store so that
// any process can answer one, whichever process opened it.
type Window = store.AcceptanceWindow

type Config struct {
	Window   time.Duration
	Debounce time.Duration
}

type Manager struct {
	store    Store
	presence Presence
	deliver  event.Deliverer
	sched    *timer.Scheduler
	clock    clockwork.Clock
	log      *zap.Logger
	cfg      Config

	locks *locker.Locker
}

func NewManager(s Store, p Presence, d event.Deliverer, sched *timer.Scheduler, cfg Config, log *zap.Logger) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:    s,
		presence: p,
		deliver:  d,
		sched:    sched,
		clock:    sched.Clock(),
		log:      log,
		cfg:      cfg,
		locks:    locker.New(),
	}
}

func windowKey(conversationID string) string { return "window:" + conversationID }
func offerKey(conversationID string) string  { return "offer:" + conversationID }

// Open finds or creates the conversation between a creator and a fan. A
// conversation tied to a service order starts disabled.
func (m *Manager) Open(ctx context.Context, creatorID, fanID, serviceOrderID string) (*store.Conversation, error) {
	if creatorID == "" || fanID == "" || creatorID == fanID {
		return nil, fmt.Errorf("%w: creator and fan must be two different users", ErrInvalid)
	}
	if c, err := m.store.FindConversation(ctx, creatorID, fanID, serviceOrderID); err == nil {
		return c, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if serviceOrderID != "" {
		order, err := m.store.GetServiceOrder(ctx, serviceOrderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown service order", ErrInvalid)
		}
		if err != nil {
			return nil, err
		}
		if order.CreatorID != creatorID || order.UserID != fanID {
			return nil, fmt.Errorf("%w: service order belongs to other parties", ErrInvalid)
		}
	}

	c := &store.Conversation{
		CreatorID:      creatorID,
		FanID:          fanID,
		ServiceOrderID: serviceOrderID,
		IsEnabled:      serviceOrderID == "",
		CreatedAt:      m.clock.Now().UTC(),
	}
	if err := m.store.CreateConversation(ctx, c); err != nil {
		// Lost a race with a concurrent first contact.
		if existing, ferr := m.store.FindConversation(ctx, creatorID, fanID, serviceOrderID); ferr == nil {
			return existing, nil
		}
		return nil, err
	}
	m.log.Info("conversation opened",
		zap.String("conversation_id", c.ID), zap.Bool("enabled", c.IsEnabled))
	return c, nil
}

// Enable lets the creator open the conversation without a window. Any
// window still open is closed as accepted.
func (m *Manager) Enable(ctx context.Context, conversationID, creatorID string) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.CreatorID != creatorID {
		return ErrUnauthorized
	}
	changed, err := m.store.EnableConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("enable conversation: %w", err)
	}
	m.sched.Cancel(windowKey(conv.ID))
	m.sched.Cancel(offerKey(conv.ID))

	if changed {
		m.broadcast(ctx, event.ChatAccept, []string{conv.CreatorID, conv.FanID},
			event.ChatResultPayload{ConversationID: conv.ID, ResponderID: creatorID})
	}
	return nil
}

// StartAcceptanceWindow opens a window for the counterpart of initiatorID to
// accept. The conversation must be linked to an active order and both
// parties must be online.
func (m *Manager) StartAcceptanceWindow(ctx context.Context, conversationID, initiatorID string) (Window, error) {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return Window{}, err
	}
	if !conv.HasParticipant(initiatorID) {
		return Window{}, ErrUnauthorized
	}
	if conv.IsEnabled {
		return Window{}, ErrAlreadyEnabled
	}
	if err := m.requireActiveOrder(ctx, conv); err != nil {
		return Window{}, err
	}
	if !m.presence.IsOnline(ctx, conv.CreatorID) || !m.presence.IsOnline(ctx, conv.FanID) {
		return Window{}, ErrPartiesOffline
	}

	now := m.clock.Now().UTC()
	w := Window{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		InitiatorID:    initiatorID,
		ExpiresAt:      now.Add(m.cfg.Window),
	}
	switch err := m.store.OpenAcceptanceWindow(ctx, &w, now); {
	case errors.Is(err, store.ErrConflict):
		return Window{}, ErrWindowOpen
	case err != nil:
		return Window{}, fmt.Errorf("open acceptance window: %w", err)
	}
	windowID := w.ID
	m.sched.ScheduleAt(windowKey(conv.ID), w.ExpiresAt, func() { m.expire(conv.ID, windowID) })
	m.sched.Cancel(offerKey(conv.ID))

	m.log.Info("acceptance window opened",
		zap.String("conversation_id", conv.ID), zap.String("initiator_id", initiatorID),
		zap.Time("expires_at", w.ExpiresAt))
	m.broadcast(ctx, event.ChatStart, []string{conv.CreatorID, conv.FanID}, event.ChatStartPayload{
		ConversationID: conv.ID, InitiatorID: initiatorID, ExpiresAt: w.ExpiresAt,
	})
	return w, nil
}

// Accept enables the conversation if responderID is the party the open
// window is waiting on. Of two concurrent accepts exactly one succeeds; the
// store decides, so the window may have been opened on another process.
func (m *Manager) Accept(ctx context.Context, conversationID, responderID string) error {
	conv, w, err := m.openWindow(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := m.checkResponder(conv, w, responderID, true); err != nil {
		return err
	}

	switch err := m.store.AcceptAcceptanceWindow(ctx, conv.ID, w.ID, m.clock.Now().UTC()); {
	case errors.Is(err, store.ErrConflict):
		return ErrNoWindow
	case err != nil:
		return fmt.Errorf("accept acceptance window: %w", err)
	}
	m.sched.Cancel(windowKey(conv.ID))

	m.log.Info("acceptance window accepted",
		zap.String("conversation_id", conv.ID), zap.String("responder_id", responderID))
	m.broadcast(ctx, event.ChatAccept, []string{conv.CreatorID, conv.FanID},
		event.ChatResultPayload{ConversationID: conv.ID, ResponderID: responderID})
	return nil
}

// Reject closes the open window without enabling. Either party may reject.
func (m *Manager) Reject(ctx context.Context, conversationID, responderID string) error {
	conv, w, err := m.openWindow(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := m.checkResponder(conv, w, responderID, false); err != nil {
		return err
	}

	switch err := m.store.CloseAcceptanceWindow(ctx, conv.ID, w.ID); {
	case errors.Is(err, store.ErrConflict):
		return ErrNoWindow
	case err != nil:
		return fmt.Errorf("close acceptance window: %w", err)
	}
	m.sched.Cancel(windowKey(conv.ID))

	m.log.Info("acceptance window rejected",
		zap.String("conversation_id", conv.ID), zap.String("responder_id", responderID))
	m.broadcast(ctx, event.ChatReject, []string{conv.CreatorID, conv.FanID},
		event.ChatResultPayload{ConversationID: conv.ID, ResponderID: responderID})
	return nil
}

// checkResponder holds the conversation's lock for validation only.
func (m *Manager) checkResponder(conv *store.Conversation, w *Window, responderID string, mustBeCounterpart bool) error {
	m.locks.Lock(conv.ID)
	defer m.locks.Unlock(conv.ID)
	if !conv.HasParticipant(responderID) {
		return ErrUnauthorized
	}
	if mustBeCounterpart && responderID != conv.Counterpart(w.InitiatorID) {
		return ErrInitiator
	}
	return nil
}

// expire ends windowID when its timer fires. If the window was already
// answered, here or elsewhere, the compare-and-set fails and nothing is sent.
func (m *Manager) expire(conversationID, windowID string) {
	ctx := context.Background()
	err := m.store.CloseAcceptanceWindow(ctx, conversationID, windowID)
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		m.log.Warn("expire acceptance window", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		m.log.Warn("load conversation for timeout", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	metrics.TimerFirings.WithLabelValues("acceptance_window").Inc()
	m.log.Info("acceptance window timed out", zap.String("conversation_id", conversationID))
	m.broadcast(ctx, event.ChatTimeout, []string{conv.CreatorID, conv.FanID},
		event.ConversationRef{ConversationID: conversationID})
}

// OpenWindow returns the open window of a conversation, if any. A window
// past its expiry is not open even before its timer has run.
func (m *Manager) OpenWindow(ctx context.Context, conversationID string) (Window, bool, error) {
	w, err := m.store.GetAcceptanceWindow(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}
	if !w.Open(m.clock.Now()) {
		return Window{}, false, nil
	}
	return *w, true, nil
}

func (m *Manager) openWindow(ctx context.Context, conversationID string) (*store.Conversation, *Window, error) {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	w, ok, err := m.OpenWindow(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNoWindow
	}
	return conv, &w, nil
}

func (m *Manager) conversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return conv, err
}

func (m *Manager) requireActiveOrder(ctx context.Context, conv *store.Conversation) error {
	if !conv.Linked() {
		return ErrNoActiveOrder
	}
	order, err := m.store.GetServiceOrder(ctx, conv.ServiceOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoActiveOrder
	}
	if err != nil {
		return err
	}
	if order.Status != store.OrderActive || order.Remaining(m.clock.Now()) <= 0 {
		return ErrNoActiveOrder
	}
	return nil
}

func (m *Manager) broadcast(ctx context.Context, typ event.Type, to []string, payload any) {
	env, err := event.New(typ, m.clock.Now(), payload)
	if err != nil {
		m.log.Error("build envelope", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := m.deliver.Deliver(ctx, to, env); err != nil {
		m.log.Warn("deliver failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// Run consumes presence transitions until ctx is done or events closes. It
// relays each transition to the user's counterparts and, when a user comes
// online, schedules a debounced auto-offer for every disabled conversation
// with an active order whose counterpart is online too.
func (m *Manager) Run(ctx context.Context, events <-chan presence.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.handlePresence(ctx, e)
		}
	}
}

func (m *Manager) handlePresence(ctx context.Context, e presence.Event) {
	convs, err := m.store.ListConversationsForUser(ctx, e.UserID)
	if err != nil {
		m.log.Warn("list conversations for presence relay", zap.String("user_id", e.UserID), zap.Error(err))
		return
	}

	seen := make(map[string]bool)
	var peers []string
	for _, c := range convs {
		peer := c.Counterpart(e.UserID)
		if peer != "" && !seen[peer] {
			seen[peer] = true
			peers = append(peers, peer)
		}
	}
	typ := event.PresenceOffline
	if e.Online {
		typ = event.PresenceOnline
	}
	if len(peers) > 0 {
		m.broadcast(ctx, typ, peers, event.PresencePayload{UserID: e.UserID})
	}

	if !e.Online {
		return
	}
	for _, c := range convs {
		if c.IsEnabled || !m.presence.IsOnline(ctx, c.Counterpart(e.UserID)) {
			continue
		}
		m.offerLater(ctx, c)
	}
}

// OrderActivated offers a window on the order's disabled conversations when
// both parties are already online, since no presence change will follow.
func (m *Manager) OrderActivated(ctx context.Context, o *store.ServiceOrder) {
	if !m.presence.IsOnline(ctx, o.CreatorID) || !m.presence.IsOnline(ctx, o.UserID) {
		return
	}
	convs, err := m.store.ListConversationsForUser(ctx, o.CreatorID)
	if err != nil {
		m.log.Warn("list conversations for activated order", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	for _, c := range convs {
		if c.ServiceOrderID == o.ID {
			m.offerLater(ctx, c)
		}
	}
}

// offerLater schedules the debounced auto-offer for a disabled linked
// conversation with no open window.
func (m *Manager) offerLater(ctx context.Context, c *store.Conversation) {
	if c.IsEnabled || !c.Linked() {
		return
	}
	if _, open, err := m.OpenWindow(ctx, c.ID); err != nil || open {
		return
	}
	convID, creatorID := c.ID, c.CreatorID
	m.sched.Schedule(offerKey(convID), m.cfg.Debounce, func() { m.autoOffer(convID, creatorID) })
}

func (m *Manager) autoOffer(conversationID, creatorID string) {
	_, err := m.StartAcceptanceWindow(context.Background(), conversationID, creatorID)
	switch {
	case err == nil:
		m.log.Info("auto-offered acceptance window", zap.String("conversation_id", conversationID))
	case errors.Is(err, ErrWindowOpen), errors.Is(err, ErrPartiesOffline),
		errors.Is(err, ErrAlreadyEnabled), errors.Is(err, ErrNoActiveOrder):
		m.log.Debug("auto-offer skipped", zap.String("conversation_id", conversationID), zap.Error(err))
	default:
		m.log.Warn("auto-offer failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
