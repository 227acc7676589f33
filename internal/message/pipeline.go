// Package message persists and delivers conversation messages.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"go-fanline/internal/apperr"
	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
	"go-fanline/internal/notify"
	"go-fanline/internal/store"
)

const (
	MaxContentRunes = 4000
	previewRunes    = 100
	pushBodyRunes   = 80
	pushTimeout     = 5 * time.Second
)

var (
	ErrConversationNotFound = apperr.New(apperr.KindNotFound, apperr.CodeConversationNotFound, "conversation not found")
	ErrUnauthorized         = apperr.New(apperr.KindAuthorization, apperr.CodeUnauthorized, "not a participant of this conversation")
	ErrConversationDisabled = apperr.New(apperr.KindConflict, apperr.CodeConversationDisabled, "conversation is not enabled yet")
	ErrInvalidMessage       = apperr.New(apperr.KindValidation, apperr.CodeInvalidPayload, "invalid message")
	ErrSendFailed           = apperr.New(apperr.KindTransient, apperr.CodeSendFailed, "message could not be stored")
)

type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	RecordMessage(ctx context.Context, m *store.Message, recipientID, preview string) error
	FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

type SendRequest struct {
	SenderID       string
	ConversationID string
	Type           store.MessageType
	Content        string
	MediaURL       string
	ClientID       string
}

// Pipeline implements send: validate, persist, then hand the stored message
// to a single dispatcher that delivers to live connections and falls back to
// push for offline recipients.
//
// Messages of one conversation are released to the dispatcher in the order
// their sequence numbers were assigned, even though their writes run
// concurrently and outside any lock.
type Pipeline struct {
	store    Store
	presence Presence
	deliver  event.Deliverer
	notifier notify.Notifier
	clock    clockwork.Clock
	log      *zap.Logger

	mu   sync.Mutex
	seqs map[string]*sequencer

	queue *jobQueue
}

func NewPipeline(s Store, p Presence, d event.Deliverer, n notify.Notifier, clock clockwork.Clock, log *zap.Logger) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:    s,
		presence: p,
		deliver:  d,
		notifier: n,
		clock:    clock,
		log:      log,
		seqs:     make(map[string]*sequencer),
		queue:    newJobQueue(),
	}
}

// Send stores a message and schedules its delivery. The returned message
// carries the stable id clients reconcile their optimistic copy against.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := validate(req); err != nil {
		metrics.MessagesSent.WithLabelValues("invalid").Inc()
		return nil, err
	}

	conv, err := p.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.MessagesSent.WithLabelValues("not_found").Inc()
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if !conv.HasParticipant(req.SenderID) {
		p.log.Warn("send by non-participant",
			zap.String("conversation_id", conv.ID), zap.String("sender_id", req.SenderID))
		metrics.MessagesSent.WithLabelValues("unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	if !conv.IsEnabled && req.SenderID != conv.CreatorID {
		metrics.MessagesSent.WithLabelValues("disabled").Inc()
		return nil, ErrConversationDisabled
	}

	if req.ClientID != "" {
		if prior, err := p.store.FindMessageByClientID(ctx, conv.ID, req.SenderID, req.ClientID); err == nil {
			metrics.MessagesSent.WithLabelValues("duplicate").Inc()
			return prior, nil
		}
	}

	recipient := conv.Counterpart(req.SenderID)
	seq, at := p.reserve(conv.ID)

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Type:           req.Type,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		ClientID:       req.ClientID,
		CreatedAt:      at,
	}
	if err := p.store.RecordMessage(ctx, msg, recipient, Preview(msg, previewRunes)); err != nil {
		p.release(conv.ID, seq, nil)
		// A concurrent resend won the (conversation, sender, client id) slot.
		if errors.Is(err, store.ErrConflict) && req.ClientID != "" {
			if prior, ferr := p.store.FindMessageByClientID(ctx, conv.ID, req.SenderID, req.ClientID); ferr == nil {
				metrics.MessagesSent.WithLabelValues("duplicate").Inc()
				return prior, nil
			}
		}
		p.log.Error("persist message failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()

	env, err := event.New(event.MessageReceived, at, msg)
	if err != nil {
		p.release(conv.ID, seq, nil)
		return msg, nil
	}
	p.release(conv.ID, seq, &job{
		to:        []string{req.SenderID, recipient},
		env:       env,
		pushTo:    recipient,
		pushTitle: "New message",
		pushBody:  Preview(msg, pushBodyRunes),
		pushData:  map[string]string{"conversation_id": conv.ID, "message_id": msg.ID},
	})
	return msg, nil
}

// MarkRead stamps every unread message from the counterpart as read and
// tells both participants.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID, readerID string) error {
	conv, err := p.participantConversation(ctx, conversationID, readerID)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	if _, err := p.store.MarkMessagesRead(ctx, conv.ID, readerID, now); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	env, err := event.New(event.MessageRead, now, event.MessageReadPayload{
		ConversationID: conv.ID, ReaderID: readerID, ReadAt: now,
	})
	if err != nil {
		return err
	}
	p.enqueue(conv.ID, &job{to: []string{conv.Counterpart(readerID), readerID}, env: env})
	return nil
}

// Typing relays a typing indicator to the counterpart. A stop is always
// relayed, even if no start preceded it, so it can act as the final state.
func (p *Pipeline) Typing(ctx context.Context, conversationID, userID string, typing bool) error {
	conv, err := p.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	typ := event.TypingStop
	if typing {
		if !conv.IsEnabled && userID != conv.CreatorID {
			return ErrConversationDisabled
		}
		typ = event.TypingStart
	}
	env, err := event.New(typ, p.clock.Now(), event.TypingPayload{ConversationID: conv.ID, UserID: userID})
	if err != nil {
		return err
	}
	p.enqueue(conv.ID, &job{to: []string{conv.Counterpart(userID)}, env: env})
	return nil
}

// History returns the newest messages of a conversation, oldest first.
func (p *Pipeline) History(ctx context.Context, conversationID, userID string, limit int) ([]*store.Message, error) {
	if _, err := p.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return p.store.ListMessages(ctx, conversationID, limit)
}

func (p *Pipeline) participantConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		p.log.Warn("access by non-participant",
			zap.String("conversation_id", conv.ID), zap.String("user_id", userID))
		return nil, ErrUnauthorized
	}
	return conv, nil
}

func validate(req SendRequest) error {
	if req.ConversationID == "" || req.SenderID == "" {
		return fmt.Errorf("%w: conversation and sender are required", ErrInvalidMessage)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, req.Type)
	}
	if req.Type == store.MessageText && strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: text message needs content", ErrInvalidMessage)
	}
	if req.Type != store.MessageText && req.MediaURL == "" {
		return fmt.Errorf("%w: %s message needs a media url", ErrInvalidMessage, req.Type)
	}
	if utf8.RuneCountInString(req.Content) > MaxContentRunes {
		return fmt.Errorf("%w: content longer than %d characters", ErrInvalidMessage, MaxContentRunes)
	}
	return nil
}

// Preview is the list-view summary of a message, cut to n runes.
func Preview(m *store.Message, n int) string {
	if m.Type != store.MessageText {
		return "[" + string(m.Type) + "]"
	}
	s := strings.Join(strings.Fields(m.Content), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
