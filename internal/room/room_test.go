package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/room"
)

func TestIssueCredentialRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	iss := room.NewJWTIssuer("wss://rooms.example", "key", "secret", time.Hour, clock)

	cred, err := iss.IssueCredential(context.Background(), "call-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "call-1", cred.RoomID)
	assert.Equal(t, "wss://rooms.example", cred.URL)
	assert.Equal(t, clock.Now().Add(time.Hour), cred.ExpiresAt)

	claims, err := iss.Parse(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "key", claims.Issuer)
	assert.Equal(t, room.VideoGrant{Room: "call-1", RoomJoin: true}, claims.Video)
}

func TestClosedRoomRefusesCredentials(t *testing.T) {
	iss := room.NewJWTIssuer("wss://rooms.example", "key", "secret", time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, iss.CloseRoom(ctx, "call-2"))
	require.NoError(t, iss.CloseRoom(ctx, "call-2"))

	_, err := iss.IssueCredential(ctx, "call-2", "bob")
	assert.ErrorIs(t, err, room.ErrRoomClosed)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	a := room.NewJWTIssuer("u", "key", "secret-a", time.Hour, nil)
	b := room.NewJWTIssuer("u", "key", "secret-b", time.Hour, nil)

	cred, err := a.IssueCredential(context.Background(), "r", "p")
	require.NoError(t, err)
	_, err = b.Parse(cred.Token)
	assert.Error(t, err)
}
