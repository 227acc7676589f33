// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-fanline/internal/event"
)

// Recorder is an event.Deliverer that keeps every envelope per user.
type Recorder struct {
	mu   sync.Mutex
	sent map[string][]event.Envelope
	Err  error
}

func NewRecorder() *Recorder {
	return &Recorder{sent: make(map[string][]event.Envelope)}
}

func (r *Recorder) Deliver(ctx context.Context, userIDs []string, env event.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, id := range userIDs {
		r.sent[id] = append(r.sent[id], env)
	}
	return nil
}

// For returns a copy of what userID received.
func (r *Recorder) For(userID string) []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Envelope(nil), r.sent[userID]...)
}

// OfType returns what userID received of type t.
func (r *Recorder) OfType(userID string, t event.Type) []event.Envelope {
	var out []event.Envelope
	for _, env := range r.For(userID) {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = make(map[string][]event.Envelope)
}

// WaitFor blocks until userID has received n envelopes of type t.
func (r *Recorder) WaitFor(t *testing.T, userID string, typ event.Type, n int) []event.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.OfType(userID, typ)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s to %s", n, typ, userID)
	return r.OfType(userID, typ)
}

// Presence is a settable online set.
type Presence struct {
	mu     sync.Mutex
	online map[string]bool
}

func NewPresence(online ...string) *Presence {
	p := &Presence{online: make(map[string]bool)}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *Presence) Set(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
}

func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}
