// Package call signals one-to-one audio and video calls. Media flows through
// an external room service; this package only moves calls through their
// states and hands out room credentials.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moby/locker"
	"go.uber.org/zap"

	"go-fanline/internal/apperr"
	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
	"go-fanline/internal/room"
	"go-fanline/internal/store"
	"go-fanline/internal/timer"
)

const (
	DefaultRingTimeout   = 30 * time.Second
	DefaultSweepInterval = time.Minute
)

var (
	ErrNotFound          = apperr.New(apperr.KindNotFound, apperr.CodeCallNotFound, "call not found")
	ErrUnauthorized      = apperr.New(apperr.KindAuthorization, apperr.CodeUnauthorized, "not allowed for this call")
	ErrInvalid           = apperr.New(apperr.KindValidation, apperr.CodeInvalidPayload, "invalid call request")
	ErrBusy              = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "a party is already in a call")
	ErrInvalidTransition = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "call cannot move to that state")
	ErrCallOver          = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "call is already over")
)

type Store interface {
	CreateCall(ctx context.Context, c *store.Call) error
	GetCall(ctx context.Context, id string) (*store.Call, error)
	TransitionCall(ctx context.Context, id string, from, to store.CallState, at time.Time) error
	ListRingingCallsBefore(ctx context.Context, before time.Time) ([]*store.Call, error)
	ListLiveCalls(ctx context.Context, userID string) ([]*store.Call, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

type Config struct {
	RingTimeout   time.Duration
	SweepInterval time.Duration
}

type Coordinator struct {
	store    Store
	presence Presence
	deliver  event.Deliverer
	sched    *timer.Scheduler
	rooms    room.Issuer
	clock    clockwork.Clock
	log      *zap.Logger
	cfg      Config

	locks   *locker.Locker
	mu      sync.Mutex
	pending map[string]bool // users with an Initiate in flight here
}

func NewCoordinator(s Store, p Presence, d event.Deliverer, sched *timer.Scheduler, rooms room.Issuer, cfg Config, log *zap.Logger) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    s,
		presence: p,
		deliver:  d,
		sched:    sched,
		rooms:    rooms,
		clock:    sched.Clock(),
		log:      log,
		cfg:      cfg,
		locks:    locker.New(),
		pending:  make(map[string]bool),
	}
}

func ringKey(callID string) string { return "call:" + callID }
func roomOf(callID string) string  { return "call:" + callID }

func payloadOf(c *store.Call) event.CallPayload {
	return event.CallPayload{CallID: c.ID, CallerID: c.CallerID, ReceiverID: c.ReceiverID, Type: string(c.Type)}
}

// Initiate rings receiverID. The caller is told the call id with
// call_ringing; the receiver gets incoming_call only if online, otherwise
// the call simply rings out.
func (c *Coordinator) Initiate(ctx context.Context, callerID, receiverID string, typ store.CallType) (*store.Call, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID || !typ.Valid() {
		return nil, ErrInvalid
	}

	if !c.reserve(callerID, receiverID) {
		return nil, ErrBusy
	}
	defer c.unreserve(callerID, receiverID)
	for _, u := range []string{callerID, receiverID} {
		busy, err := c.Busy(ctx, u)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, ErrBusy
		}
	}

	call := &store.Call{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       typ,
		State:      store.CallRinging,
		CreatedAt:  c.clock.Now().UTC(),
	}
	if err := c.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	id := call.ID
	c.sched.Schedule(ringKey(id), c.cfg.RingTimeout, func() {
		metrics.TimerFirings.WithLabelValues("ring").Inc()
		c.timeout(context.Background(), id)
	})
	metrics.CallTransitions.WithLabelValues(string(store.CallRinging)).Inc()
	c.log.Info("call ringing",
		zap.String("call_id", id), zap.String("caller_id", callerID), zap.String("receiver_id", receiverID))

	c.send(ctx, event.CallRinging, []string{callerID}, payloadOf(call))
	if c.presence.IsOnline(ctx, receiverID) {
		c.send(ctx, event.IncomingCall, []string{receiverID}, payloadOf(call))
	} else {
		c.log.Debug("receiver offline, not ringing", zap.String("call_id", id))
	}
	return call, nil
}

// Accept answers a ringing call. Each party gets call_accepted carrying its
// own credential; the receiver's is also returned.
func (c *Coordinator) Accept(ctx context.Context, callID, responderID string) (room.Credential, error) {
	call, err := c.commit(ctx, callID, ActionAccept, func(call *store.Call) error {
		if responderID != call.ReceiverID {
			return ErrUnauthorized
		}
		return nil
	})
	if err != nil {
		return room.Credential{}, err
	}
	c.sched.Cancel(ringKey(callID))

	roomID := roomOf(callID)
	receiverCred, err := c.rooms.IssueCredential(ctx, roomID, call.ReceiverID)
	var callerCred room.Credential
	if err == nil {
		callerCred, err = c.rooms.IssueCredential(ctx, roomID, call.CallerID)
	}
	if err != nil {
		// An accepted call nobody can join is ended straight away.
		c.log.Error("issue call credentials", zap.String("call_id", callID), zap.Error(err))
		if _, endErr := c.commit(ctx, callID, ActionEnd, nil); endErr == nil {
			c.finish(ctx, call, store.CallEnded, event.CallEnded, []string{call.CallerID, call.ReceiverID})
		}
		return room.Credential{}, fmt.Errorf("issue call credentials: %w", err)
	}

	c.log.Info("call accepted", zap.String("call_id", callID))
	c.send(ctx, event.CallAccepted, []string{call.CallerID}, event.CallAcceptedPayload{CallID: callID, Credential: callerCred})
	c.send(ctx, event.CallAccepted, []string{call.ReceiverID}, event.CallAcceptedPayload{CallID: callID, Credential: receiverCred})
	return receiverCred, nil
}

// Reject declines a ringing call on behalf of the receiver.
func (c *Coordinator) Reject(ctx context.Context, callID, responderID string) error {
	call, err := c.commit(ctx, callID, ActionReject, func(call *store.Call) error {
		if responderID != call.ReceiverID {
			return ErrUnauthorized
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.sched.Cancel(ringKey(callID))
	c.finish(ctx, call, store.CallRejected, event.CallRejected, []string{call.CallerID})
	return nil
}

// End hangs up an accepted call. Ending a call that is unknown, already
// over or never answered is logged and ignored.
func (c *Coordinator) End(ctx context.Context, callID, requesterID string) error {
	call, err := c.commit(ctx, callID, ActionEnd, func(call *store.Call) error {
		if !call.HasParty(requesterID) {
			return ErrUnauthorized
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrUnauthorized):
		return err
	case err != nil:
		c.log.Info("end ignored", zap.String("call_id", callID), zap.String("requester_id", requesterID), zap.Error(err))
		return nil
	}
	if err := c.rooms.CloseRoom(ctx, roomOf(callID)); err != nil {
		c.log.Warn("close call room", zap.String("call_id", callID), zap.Error(err))
	}
	c.finish(ctx, call, store.CallEnded, event.CallEnded, []string{call.Other(requesterID)})
	return nil
}

// Credential re-issues a party's credential for an accepted call, for
// clients that reconnect mid-call.
func (c *Coordinator) Credential(ctx context.Context, callID, userID string) (room.Credential, error) {
	call, err := c.get(ctx, callID)
	if err != nil {
		return room.Credential{}, err
	}
	if !call.HasParty(userID) {
		return room.Credential{}, ErrUnauthorized
	}
	if call.State != store.CallAccepted {
		return room.Credential{}, ErrInvalidTransition
	}
	cred, err := c.rooms.IssueCredential(ctx, roomOf(callID), userID)
	if err != nil {
		return room.Credential{}, fmt.Errorf("issue call credential: %w", err)
	}
	return cred, nil
}

// Get returns a call its party may see.
func (c *Coordinator) Get(ctx context.Context, callID, userID string) (*store.Call, error) {
	call, err := c.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.HasParty(userID) {
		return nil, ErrUnauthorized
	}
	return call, nil
}

// SweepStale times out ringing calls older than the ring timeout. It picks
// up calls whose ring timer died with another process.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	stale, err := c.store.ListRingingCallsBefore(ctx, c.clock.Now().Add(-c.cfg.RingTimeout))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, call := range stale {
		if c.timeout(ctx, call.ID) {
			n++
		}
	}
	return n, nil
}

// Run sweeps stale calls every SweepInterval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := c.SweepStale(ctx)
			if err != nil {
				c.log.Warn("sweep stale calls", zap.Error(err))
			} else if n > 0 {
				c.log.Info("swept stale calls", zap.Int("count", n))
			}
		}
	}
}

func (c *Coordinator) timeout(ctx context.Context, callID string) bool {
	call, err := c.commit(ctx, callID, ActionTimeout, nil)
	if err != nil {
		return false
	}
	c.sched.Cancel(ringKey(callID))
	c.finish(ctx, call, store.CallTimedOut, event.CallTimeout, []string{call.CallerID, call.ReceiverID})
	return true
}

// commit moves callID along action. check runs on the loaded call before
// the state machine is consulted; only that validation holds the call's
// lock. The store transition is a compare-and-set, so whoever loses a race,
// here or on another process, gets ErrInvalidTransition.
func (c *Coordinator) commit(ctx context.Context, callID string, action Action, check func(*store.Call) error) (*store.Call, error) {
	call, err := c.get(ctx, callID)
	if err != nil {
		return nil, err
	}
	to, err := c.validate(call, action, check)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	err = c.store.TransitionCall(ctx, callID, call.State, to, now)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, ErrInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("transition call: %w", err)
	}
	call.State = to
	metrics.CallTransitions.WithLabelValues(string(to)).Inc()
	return call, nil
}

func (c *Coordinator) validate(call *store.Call, action Action, check func(*store.Call) error) (store.CallState, error) {
	c.locks.Lock(call.ID)
	defer c.locks.Unlock(call.ID)
	if check != nil {
		if err := check(call); err != nil {
			return call.State, err
		}
	}
	return Next(call.State, action)
}

// finish tells to that a call reached a terminal state.
func (c *Coordinator) finish(ctx context.Context, call *store.Call, state store.CallState, typ event.Type, to []string) {
	c.log.Info("call over", zap.String("call_id", call.ID), zap.String("state", string(state)))
	c.send(ctx, typ, to, event.CallRef{CallID: call.ID})
}

func (c *Coordinator) get(ctx context.Context, callID string) (*store.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return call, nil
}

// reserve covers the gap between the busy lookup and CreateCall for
// Initiates racing on this process.
func (c *Coordinator) reserve(users ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if c.pending[u] {
			return false
		}
	}
	for _, u := range users {
		c.pending[u] = true
	}
	return true
}

func (c *Coordinator) unreserve(users ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		delete(c.pending, u)
	}
}

// Busy reports whether userID has a ringing or accepted call anywhere in
// the cluster. A call still ringing past the ring timeout belongs to a dead
// process and does not count; the sweep times it out.
func (c *Coordinator) Busy(ctx context.Context, userID string) (bool, error) {
	live, err := c.store.ListLiveCalls(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list live calls: %w", err)
	}
	cutoff := c.clock.Now().Add(-c.cfg.RingTimeout)
	for _, call := range live {
		if call.State == store.CallRinging && call.CreatedAt.Before(cutoff) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) send(ctx context.Context, typ event.Type, to []string, payload any) {
	env, err := event.New(typ, c.clock.Now(), payload)
	if err != nil {
		c.log.Error("build envelope", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := c.deliver.Deliver(ctx, to, env); err != nil {
		c.log.Warn("deliver failed", zap.String("type", string(typ)), zap.Error(err))
	}
}
