package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/event"
)

func TestDecodeAndBind(t *testing.T) {
	raw := []byte(`{"type":"message:send","timestamp":"2026-01-01T00:00:00Z","payload":{"conversation_id":"c1","type":"text","content":"hi"}}`)

	env, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, event.MessageSend, env.Type)

	var p event.MessageSendPayload
	require.NoError(t, env.Bind(&p))
	assert.Equal(t, "c1", p.ConversationID)
	assert.Equal(t, "hi", p.Content)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := event.Decode([]byte(`{"payload":{}}`))
	assert.True(t, errors.Is(err, event.ErrMalformed))

	_, err = event.Decode([]byte(`not json`))
	assert.True(t, errors.Is(err, event.ErrMalformed))
}

func TestBindWithoutPayload(t *testing.T) {
	env, err := event.New(event.CallEnd, time.Now(), nil)
	require.NoError(t, err)

	var ref event.CallRef
	assert.True(t, errors.Is(env.Bind(&ref), event.ErrMalformed))
}

func TestInboundTypes(t *testing.T) {
	for _, typ := range []event.Type{event.MessageSend, event.TypingStop, event.ChatAccept, event.CallEnd} {
		assert.True(t, typ.Inbound(), string(typ))
	}
	for _, typ := range []event.Type{event.MessageReceived, event.IncomingCall, event.ChatTimeout, event.Error, "bogus"} {
		assert.False(t, typ.Inbound(), string(typ))
	}
}

func TestNewErrorCarriesCode(t *testing.T) {
	env := event.NewError(time.Now(), "UNAUTHORIZED", "not a participant")

	var p event.ErrorPayload
	require.NoError(t, env.Bind(&p))
	assert.Equal(t, event.Error, env.Type)
	assert.Equal(t, "UNAUTHORIZED", p.Code)
}
