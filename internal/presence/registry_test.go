package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fanline/internal/metrics"
	"go-fanline/internal/presence"
)

func receive(t *testing.T, ch <-chan presence.Event) presence.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
	return presence.Event{}
}

func requireQuiet(t *testing.T, ch <-chan presence.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected presence event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryEmitsOneEventPerTransition(t *testing.T) {
	ctx := context.Background()
	r := presence.NewRegistry()
	defer r.Close()

	events, cancel := r.Subscribe()
	defer cancel()

	r.Connect(ctx, "alice", "h1")
	r.Connect(ctx, "alice", "h2")
	e := receive(t, events)
	assert.Equal(t, presence.Event{UserID: "alice", Online: true, At: e.At}, e)
	requireQuiet(t, events)
	assert.True(t, r.IsOnline(ctx, "alice"))

	r.Disconnect(ctx, "alice", "h1")
	requireQuiet(t, events)
	assert.True(t, r.IsOnline(ctx, "alice"))

	r.Disconnect(ctx, "alice", "h2")
	e = receive(t, events)
	assert.Equal(t, "alice", e.UserID)
	assert.False(t, e.Online)
	assert.False(t, r.IsOnline(ctx, "alice"))

	// Repeated and unknown disconnects are no-ops.
	r.Disconnect(ctx, "alice", "h2")
	r.Disconnect(ctx, "bob", "zzz")
	requireQuiet(t, events)
}

func TestRegistrySlowSubscriberKeepsOrder(t *testing.T) {
	ctx := context.Background()
	r := presence.NewRegistry()
	defer r.Close()

	events, cancel := r.Subscribe()
	defer cancel()

	for i := 0; i < 50; i++ {
		r.Connect(ctx, "u", "h")
		r.Disconnect(ctx, "u", "h")
	}
	for i := 0; i < 100; i++ {
		e := receive(t, events)
		assert.Equal(t, i%2 == 0, e.Online, "event %d", i)
	}
}

func TestRegistryOnlineUsers(t *testing.T) {
	ctx := context.Background()
	r := presence.NewRegistry()
	r.Connect(ctx, "zed", "1")
	r.Connect(ctx, "amy", "2")
	assert.Equal(t, []string{"amy", "zed"}, r.OnlineUsers())
}

func TestRegistryCloseReleasesSubscribers(t *testing.T) {
	r := presence.NewRegistry()
	events, _ := r.Subscribe()
	r.Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func newMirror(t *testing.T, mr *miniredis.Miniredis) *presence.RedisMirror {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return presence.NewRedisMirror(client, nil, time.Minute, nil)
}

func TestRegistryClusterTransitions(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := presence.NewRegistry(presence.WithMirror(newMirror(t, mr)))
	b := presence.NewRegistry(presence.WithMirror(newMirror(t, mr)))
	go a.Run(ctx)
	go b.Run(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("fanline:presence-events")["fanline:presence-events"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	eventsA, cancelA := a.Subscribe()
	defer cancelA()
	eventsB, cancelB := b.Subscribe()
	defer cancelB()

	// alice connects on both processes: one cluster-wide online event.
	a.Connect(ctx, "alice", "a-1")
	b.Connect(ctx, "alice", "b-1")
	assert.True(t, receive(t, eventsA).Online)
	assert.True(t, receive(t, eventsB).Online)
	requireQuiet(t, eventsB)

	assert.True(t, b.IsOnline(ctx, "alice"))

	a.Disconnect(ctx, "alice", "a-1")
	requireQuiet(t, eventsB)
	assert.True(t, a.IsOnline(ctx, "alice"), "still connected on b")

	b.Disconnect(ctx, "alice", "b-1")
	assert.False(t, receive(t, eventsA).Online)
	assert.False(t, receive(t, eventsB).Online)
	assert.False(t, a.IsOnline(ctx, "alice"))
}

func TestRedisMirrorPrunesExpiredHandles(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := newMirror(t, mr)

	first, err := m.Add(ctx, "bob", "old")
	require.NoError(t, err)
	assert.True(t, first)

	// A handle whose deadline already passed is treated as gone.
	mr.HSet("fanline:presence:bob", "old", "1")
	online, err := m.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	gone, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, gone)

	gone, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, gone, "an expired user is reported once")

	first, err = m.Add(ctx, "bob", "new")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Empty(t, mr.HGet("fanline:presence:bob", "old"))
}

func TestRedisMirrorReconnectBeforeSweepIsNotATransition(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	m := newMirror(t, mr)

	_, err := m.Add(ctx, "bob", "old")
	require.NoError(t, err)
	mr.HSet("fanline:presence:bob", "old", "1")

	// No offline was published for the stale handle, so none is owed an online.
	first, err := m.Add(ctx, "bob", "new")
	require.NoError(t, err)
	assert.False(t, first)

	last, err := m.Remove(ctx, "bob", "new")
	require.NoError(t, err)
	assert.True(t, last)
}

// A process that dies without disconnecting leaves handles that expire;
// the sweep turns that into one offline event everywhere.
func TestRegistryCrashedProcessGoesOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := presence.NewRegistry(presence.WithMirror(newMirror(t, mr)))
	b := presence.NewRegistry(presence.WithMirror(newMirror(t, mr)))
	go a.Run(ctx)
	go b.Run(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("fanline:presence-events")["fanline:presence-events"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	a.Connect(ctx, "alice", "a-1")
	assert.True(t, receive(t, events).Online)

	// a dies: its handle is never touched again and runs past its deadline.
	mr.HSet("fanline:presence:alice", "a-1", "1")
	assert.False(t, b.IsOnline(ctx, "alice"))

	assert.Equal(t, 1, b.Sweep(ctx))
	e := receive(t, events)
	assert.Equal(t, "alice", e.UserID)
	assert.False(t, e.Online)
	assert.Equal(t, 0, b.Sweep(ctx))
	requireQuiet(t, events)

	b.Connect(ctx, "alice", "b-1")
	assert.True(t, receive(t, events).Online, "online follows offline")
}

func TestRegistryLeavesConnectionGaugeToTheHub(t *testing.T) {
	ctx := context.Background()
	r := presence.NewRegistry()
	before := promtest.ToFloat64(metrics.Connections)
	r.Connect(ctx, "dora", "1")
	r.Connect(ctx, "dora", "2")
	assert.Equal(t, before, promtest.ToFloat64(metrics.Connections))
	r.Disconnect(ctx, "dora", "1")
	assert.Equal(t, before, promtest.ToFloat64(metrics.Connections))
}
