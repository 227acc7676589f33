package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/store"
)

func TestMemoryRecordMessageUpdatesConversation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	conv := &store.Conversation{CreatorID: "creator", FanID: "fan", IsEnabled: true}
	require.NoError(t, m.CreateConversation(ctx, conv))
	require.NotEmpty(t, conv.ID)

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := &store.Message{ConversationID: conv.ID, SenderID: "fan", Type: store.MessageText, Content: "hello", CreatedAt: at}
	require.NoError(t, m.RecordMessage(ctx, msg, "creator", "hello"))
	require.NotEmpty(t, msg.ID)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CreatorUnread)
	assert.Equal(t, 0, got.FanUnread)
	assert.Equal(t, "hello", got.LastMessagePreview)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(at))

	n, err := m.MarkMessagesRead(ctx, conv.ID, "creator", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CreatorUnread)

	msgs, err := m.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReadAt)
}

func TestMemoryRecordMessageUnknownConversation(t *testing.T) {
	m := store.NewMemory()
	err := m.RecordMessage(context.Background(), &store.Message{ConversationID: "missing"}, "x", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryListMessagesKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conv := &store.Conversation{CreatorID: "c", FanID: "f", IsEnabled: true}
	require.NoError(t, m.CreateConversation(ctx, conv))

	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := &store.Message{ConversationID: conv.ID, SenderID: "f", Type: store.MessageText,
			Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, m.RecordMessage(ctx, msg, "c", msg.Content))
	}

	msgs, err := m.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "d", msgs[0].Content)
	assert.Equal(t, "e", msgs[1].Content)
}

func TestMemoryEnableConversationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conv := &store.Conversation{CreatorID: "c", FanID: "f", ServiceOrderID: "o1"}
	require.NoError(t, m.CreateConversation(ctx, conv))

	changed, err := m.EnableConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.EnableConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.EnableConversation(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryServiceOrderTransitions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	o := &store.ServiceOrder{CreatorID: "c", UserID: "f", DurationMinutes: 10}
	require.NoError(t, m.CreateServiceOrder(ctx, o))
	assert.Equal(t, store.OrderPending, o.Status)

	now := time.Now()
	assert.ErrorIs(t, m.CompleteServiceOrder(ctx, o.ID, now), store.ErrConflict)

	require.NoError(t, m.ActivateServiceOrder(ctx, o.ID, now, now.Add(o.Duration())))
	assert.ErrorIs(t, m.ActivateServiceOrder(ctx, o.ID, now, now), store.ErrConflict)

	active, err := m.ListActiveServiceOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, m.CompleteServiceOrder(ctx, o.ID, now.Add(time.Minute)))
	assert.ErrorIs(t, m.CompleteServiceOrder(ctx, o.ID, now), store.ErrConflict)
	assert.ErrorIs(t, m.CancelServiceOrder(ctx, o.ID), store.ErrConflict)

	got, err := m.GetServiceOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderFulfilled, got.Status)
	require.NotNil(t, got.UtilizedAt)
}

func TestMemoryTransitionCall(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	c := &store.Call{CallerID: "a", ReceiverID: "b", Type: store.CallAudio, State: store.CallRinging,
		CreatedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, m.CreateCall(ctx, c))

	ringing, err := m.ListRingingCallsBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, ringing, 1)

	now := time.Now()
	require.NoError(t, m.TransitionCall(ctx, c.ID, store.CallRinging, store.CallAccepted, now))
	assert.ErrorIs(t, m.TransitionCall(ctx, c.ID, store.CallRinging, store.CallTimedOut, now), store.ErrConflict)
	require.NoError(t, m.TransitionCall(ctx, c.ID, store.CallAccepted, store.CallEnded, now))

	got, err := m.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CallEnded, got.State)
	assert.NotNil(t, got.AnsweredAt)
	assert.NotNil(t, got.EndedAt)
}

func TestServiceOrderRemaining(t *testing.T) {
	now := time.Now()
	o := &store.ServiceOrder{Status: store.OrderPending, DurationMinutes: 5}
	assert.Equal(t, 5*time.Minute, o.Remaining(now))

	exp := now.Add(90 * time.Second)
	o.Status = store.OrderActive
	o.ExpiresAt = &exp
	assert.Equal(t, 90*time.Second, o.Remaining(now))
	assert.Equal(t, time.Duration(0), o.Remaining(now.Add(time.Hour)))

	o.Status = store.OrderFulfilled
	assert.Equal(t, time.Duration(0), o.Remaining(now))
}

func TestMemoryListLiveCalls(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ringing := &store.Call{CallerID: "a", ReceiverID: "b", Type: store.CallAudio, State: store.CallRinging}
	accepted := &store.Call{CallerID: "c", ReceiverID: "a", Type: store.CallVideo, State: store.CallAccepted}
	over := &store.Call{CallerID: "a", ReceiverID: "d", Type: store.CallAudio, State: store.CallEnded}
	for _, c := range []*store.Call{ringing, accepted, over} {
		require.NoError(t, m.CreateCall(ctx, c))
	}

	live, err := m.ListLiveCalls(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, live, 2)

	live, err = m.ListLiveCalls(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, live)

	require.NoError(t, m.TransitionCall(ctx, ringing.ID, store.CallRinging, store.CallRejected, time.Now()))
	live, err = m.ListLiveCalls(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestMemoryAcceptanceWindowCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conv := &store.Conversation{CreatorID: "creator", FanID: "fan", ServiceOrderID: "o1"}
	require.NoError(t, m.CreateConversation(ctx, conv))
	now := time.Now()

	first := &store.AcceptanceWindow{ConversationID: conv.ID, InitiatorID: "creator", ExpiresAt: now.Add(30 * time.Second)}
	require.NoError(t, m.OpenAcceptanceWindow(ctx, first, now))
	second := &store.AcceptanceWindow{ConversationID: conv.ID, InitiatorID: "fan", ExpiresAt: now.Add(time.Minute)}
	assert.ErrorIs(t, m.OpenAcceptanceWindow(ctx, second, now), store.ErrConflict)

	// Once expired the slot may be reused, and the old id no longer answers.
	later := now.Add(31 * time.Second)
	require.NoError(t, m.OpenAcceptanceWindow(ctx, second, later))
	assert.ErrorIs(t, m.AcceptAcceptanceWindow(ctx, conv.ID, first.ID, later), store.ErrConflict)
	assert.ErrorIs(t, m.CloseAcceptanceWindow(ctx, conv.ID, first.ID), store.ErrConflict)

	got, err := m.GetAcceptanceWindow(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "fan", got.InitiatorID)

	require.NoError(t, m.AcceptAcceptanceWindow(ctx, conv.ID, second.ID, later))
	assert.ErrorIs(t, m.AcceptAcceptanceWindow(ctx, conv.ID, second.ID, later), store.ErrConflict)
	_, err = m.GetAcceptanceWindow(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	enabled, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsEnabled)
}

func TestMemoryEnableDiscardsWindow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conv := &store.Conversation{CreatorID: "creator", FanID: "fan", ServiceOrderID: "o1"}
	require.NoError(t, m.CreateConversation(ctx, conv))
	now := time.Now()

	w := &store.AcceptanceWindow{ConversationID: conv.ID, InitiatorID: "fan", ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, m.OpenAcceptanceWindow(ctx, w, now))
	_, err := m.EnableConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, m.CloseAcceptanceWindow(ctx, conv.ID, w.ID), store.ErrConflict)
}

func TestMemoryRecordMessageRejectsReusedClientID(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conv := &store.Conversation{CreatorID: "creator", FanID: "fan", IsEnabled: true}
	require.NoError(t, m.CreateConversation(ctx, conv))

	msg := &store.Message{ConversationID: conv.ID, SenderID: "fan", Type: store.MessageText, ClientID: "cid", CreatedAt: time.Now()}
	require.NoError(t, m.RecordMessage(ctx, msg, "creator", "hi"))
	again := &store.Message{ConversationID: conv.ID, SenderID: "fan", Type: store.MessageText, ClientID: "cid", CreatedAt: time.Now()}
	assert.ErrorIs(t, m.RecordMessage(ctx, again, "creator", "hi"), store.ErrConflict)

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CreatorUnread, "a rejected duplicate leaves counters alone")

	prior, err := m.FindMessageByClientID(ctx, conv.ID, "fan", "cid")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, prior.ID)
	_, err = m.FindMessageByClientID(ctx, "other", "fan", "cid")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
