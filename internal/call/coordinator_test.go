package call_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/call"
	"go-fanline/internal/event"
	"go-fanline/internal/room"
	"go-fanline/internal/store"
	"go-fanline/internal/testutil"
	"go-fanline/internal/timer"
)

type fixture struct {
	clock    *clockwork.FakeClock
	store    *store.Memory
	presence *testutil.Presence
	rec      *testutil.Recorder
	rooms    *room.JWTIssuer
	coord    *call.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		store:    store.NewMemory(),
		presence: testutil.NewPresence("alice", "bob", "carol"),
		rec:      testutil.NewRecorder(),
	}
	sched := timer.NewScheduler(f.clock)
	t.Cleanup(sched.Stop)
	f.rooms = room.NewJWTIssuer("wss://rooms.example", "key", "secret", time.Hour, f.clock)
	f.coord = call.NewCoordinator(f.store, f.presence, f.rec, sched, f.rooms, call.Config{}, nil)
	return f
}

func (f *fixture) state(t *testing.T, id string) store.CallState {
	t.Helper()
	c, err := f.store.GetCall(context.Background(), id)
	require.NoError(t, err)
	return c.State
}

func (f *fixture) busy(t *testing.T, user string) bool {
	t.Helper()
	b, err := f.coord.Busy(context.Background(), user)
	require.NoError(t, err)
	return b
}

// second builds another coordinator over the same store, as a second
// process in the cluster would run.
func (f *fixture) second(t *testing.T) *call.Coordinator {
	t.Helper()
	sched := timer.NewScheduler(f.clock)
	t.Cleanup(sched.Stop)
	return call.NewCoordinator(f.store, f.presence, f.rec, sched, f.rooms, call.Config{}, nil)
}

func TestRingAcceptEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, store.CallRinging, c.State)

	ringing := f.rec.WaitFor(t, "alice", event.CallRinging, 1)
	var ref event.CallPayload
	require.NoError(t, ringing[0].Bind(&ref))
	assert.Equal(t, c.ID, ref.CallID)
	incoming := f.rec.WaitFor(t, "bob", event.IncomingCall, 1)
	require.NoError(t, incoming[0].Bind(&ref))
	assert.Equal(t, "alice", ref.CallerID)
	assert.Equal(t, "video", ref.Type)

	_, err = f.coord.Accept(ctx, c.ID, "alice")
	assert.ErrorIs(t, err, call.ErrUnauthorized, "only the receiver answers")

	f.clock.Advance(5 * time.Second)
	cred, err := f.coord.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "call:"+c.ID, cred.RoomID)
	assert.Equal(t, store.CallAccepted, f.state(t, c.ID))

	accepted := f.rec.WaitFor(t, "alice", event.CallAccepted, 1)
	var p event.CallAcceptedPayload
	require.NoError(t, accepted[0].Bind(&p))
	claims, err := f.rooms.Parse(p.Credential.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "call:"+c.ID, claims.Video.Room)
	f.rec.WaitFor(t, "bob", event.CallAccepted, 1)

	// No ring timeout after an answer.
	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.rec.OfType("alice", event.CallTimeout))

	again, err := f.coord.Credential(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, cred.RoomID, again.RoomID)

	require.NoError(t, f.coord.End(ctx, c.ID, "bob"))
	f.rec.WaitFor(t, "alice", event.CallEnded, 1)
	assert.Equal(t, store.CallEnded, f.state(t, c.ID))
	assert.False(t, f.busy(t, "alice"))

	require.NoError(t, f.coord.End(ctx, c.ID, "alice"), "ending twice is a no-op")
	assert.Len(t, f.rec.OfType("alice", event.CallEnded), 1)
	assert.Empty(t, f.rec.OfType("bob", event.CallEnded))

	_, err = f.rooms.IssueCredential(ctx, "call:"+c.ID, "bob")
	assert.ErrorIs(t, err, room.ErrRoomClosed)
}

func TestRingTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	f.clock.Advance(call.DefaultRingTimeout)
	f.rec.WaitFor(t, "alice", event.CallTimeout, 1)
	f.rec.WaitFor(t, "bob", event.CallTimeout, 1)
	assert.Equal(t, store.CallTimedOut, f.state(t, c.ID))

	_, err = f.coord.Accept(ctx, c.ID, "bob")
	assert.ErrorIs(t, err, call.ErrCallOver)
	assert.ErrorIs(t, f.coord.Reject(ctx, c.ID, "bob"), call.ErrCallOver)
	assert.False(t, f.busy(t, "bob"))
}

func TestOfflineReceiverIsNotRung(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.presence.Set("bob", false)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)
	f.rec.WaitFor(t, "alice", event.CallRinging, 1)
	assert.Empty(t, f.rec.OfType("bob", event.IncomingCall))

	f.clock.Advance(call.DefaultRingTimeout)
	f.rec.WaitFor(t, "alice", event.CallTimeout, 1)
	assert.Equal(t, store.CallTimedOut, f.state(t, c.ID))
}

func TestRejectAndBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	_, err = f.coord.Initiate(ctx, "carol", "bob", store.CallAudio)
	assert.ErrorIs(t, err, call.ErrBusy, "receiver already ringing")
	_, err = f.coord.Initiate(ctx, "alice", "carol", store.CallAudio)
	assert.ErrorIs(t, err, call.ErrBusy, "caller already in a call")

	assert.ErrorIs(t, f.coord.Reject(ctx, c.ID, "carol"), call.ErrUnauthorized)
	require.NoError(t, f.coord.Reject(ctx, c.ID, "bob"))
	f.rec.WaitFor(t, "alice", event.CallRejected, 1)
	assert.Equal(t, store.CallRejected, f.state(t, c.ID))

	_, err = f.coord.Initiate(ctx, "carol", "bob", store.CallAudio)
	require.NoError(t, err, "free again after a rejection")
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.Initiate(ctx, "alice", "alice", store.CallAudio)
	assert.ErrorIs(t, err, call.ErrInvalid)
	_, err = f.coord.Initiate(ctx, "alice", "bob", store.CallType("hologram"))
	assert.ErrorIs(t, err, call.ErrInvalid)
	_, err = f.coord.Accept(ctx, "missing", "bob")
	assert.ErrorIs(t, err, call.ErrNotFound)
}

func TestEndBeforeAnswerIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	require.NoError(t, f.coord.End(ctx, c.ID, "alice"))
	require.NoError(t, f.coord.End(ctx, "missing", "alice"))
	assert.ErrorIs(t, f.coord.End(ctx, c.ID, "carol"), call.ErrUnauthorized)
	assert.Equal(t, store.CallRinging, f.state(t, c.ID))
	assert.Empty(t, f.rec.OfType("bob", event.CallEnded))
}

// Accept, reject and the ring timer race; exactly one of them lands.
func TestExactlyOneTerminalFromRinging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		acceptOK bool
		rejectOK bool
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := f.coord.Accept(ctx, c.ID, "bob")
		acceptOK = err == nil
	}()
	go func() {
		defer wg.Done()
		rejectOK = f.coord.Reject(ctx, c.ID, "bob") == nil
	}()
	go func() {
		defer wg.Done()
		f.clock.Advance(call.DefaultRingTimeout)
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return f.state(t, c.ID) != store.CallRinging
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	outcomes := 0
	if acceptOK {
		outcomes++
		assert.Equal(t, store.CallAccepted, f.state(t, c.ID))
	}
	if rejectOK {
		outcomes++
		assert.Equal(t, store.CallRejected, f.state(t, c.ID))
	}
	timeouts := len(f.rec.OfType("alice", event.CallTimeout))
	outcomes += timeouts
	assert.Equal(t, 1, outcomes)
}

func TestSweepStaleRingingCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Left behind by a process that died while ringing.
	orphan := &store.Call{
		CallerID:   "carol",
		ReceiverID: "bob",
		Type:       store.CallAudio,
		State:      store.CallRinging,
		CreatedAt:  f.clock.Now().Add(-2 * time.Minute),
	}
	require.NoError(t, f.store.CreateCall(ctx, orphan))

	fresh, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	n, err := f.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.CallTimedOut, f.state(t, orphan.ID))
	assert.Equal(t, store.CallRinging, f.state(t, fresh.ID))
	f.rec.WaitFor(t, "carol", event.CallTimeout, 1)

	n, err = f.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   store.CallState
		action call.Action
		to     store.CallState
		err    error
	}{
		{store.CallRinging, call.ActionAccept, store.CallAccepted, nil},
		{store.CallRinging, call.ActionReject, store.CallRejected, nil},
		{store.CallRinging, call.ActionTimeout, store.CallTimedOut, nil},
		{store.CallAccepted, call.ActionEnd, store.CallEnded, nil},
		{store.CallRinging, call.ActionEnd, store.CallRinging, call.ErrInvalidTransition},
		{store.CallAccepted, call.ActionTimeout, store.CallAccepted, call.ErrInvalidTransition},
		{store.CallAccepted, call.ActionReject, store.CallAccepted, call.ErrInvalidTransition},
		{store.CallEnded, call.ActionEnd, store.CallEnded, call.ErrCallOver},
		{store.CallTimedOut, call.ActionAccept, store.CallTimedOut, call.ErrCallOver},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.action), func(t *testing.T) {
			to, err := call.Next(tc.from, tc.action)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.to, to)
		})
	}
}

func TestCallEndedOnAnotherProcessFreesParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := f.second(t)

	c, err := f.coord.Initiate(ctx, "alice", "bob", store.CallAudio)
	require.NoError(t, err)

	_, err = other.Initiate(ctx, "carol", "alice", store.CallAudio)
	assert.ErrorIs(t, err, call.ErrBusy, "busy is visible across processes")

	_, err = other.Accept(ctx, c.ID, "bob")
	require.NoError(t, err)
	require.NoError(t, other.End(ctx, c.ID, "bob"))
	f.rec.WaitFor(t, "alice", event.CallEnded, 1)

	// The ring timer still armed on the first process finds the call over.
	f.clock.Advance(call.DefaultRingTimeout + time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.rec.OfType("alice", event.CallTimeout))
	assert.Equal(t, store.CallEnded, f.state(t, c.ID))

	assert.False(t, f.busy(t, "alice"))
	assert.False(t, f.busy(t, "bob"))
	_, err = f.coord.Initiate(ctx, "alice", "carol", store.CallVideo)
	require.NoError(t, err)
}

func TestStaleRingingCallDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := &store.Call{
		CallerID:   "carol",
		ReceiverID: "alice",
		Type:       store.CallAudio,
		State:      store.CallRinging,
		CreatedAt:  f.clock.Now().Add(-time.Minute),
	}
	require.NoError(t, f.store.CreateCall(ctx, orphan))
	assert.False(t, f.busy(t, "alice"))

	_, err := f.coord.Initiate(ctx, "bob", "alice", store.CallAudio)
	require.NoError(t, err)
	assert.True(t, f.busy(t, "alice"))
}
