// Package fulfillment runs the timed window of a paid service order: start
// when both parties are online, complete exactly once on expiry or by hand.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"go-fanline/internal/apperr"
	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
	"go-fanline/internal/room"
	"go-fanline/internal/store"
	"go-fanline/internal/timer"
)

var (
	ErrNotFound          = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "service order not found")
	ErrUnauthorized      = apperr.New(apperr.KindAuthorization, apperr.CodeUnauthorized, "not a party of this service order")
	ErrPartiesNotOnline  = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "both parties must be online")
	ErrNotStartable      = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "service order can no longer be started")
	ErrNotActive         = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "service order is not active")
	ErrStreamUnavailable = apperr.New(apperr.KindConflict, apperr.CodeStateConflict, "stream is not available for this order")
)

type Store interface {
	GetServiceOrder(ctx context.Context, id string) (*store.ServiceOrder, error)
	ActivateServiceOrder(ctx context.Context, id string, activatedAt, expiresAt time.Time) error
	CompleteServiceOrder(ctx context.Context, id string, at time.Time) error
	CancelServiceOrder(ctx context.Context, id string) error
	ListActiveServiceOrders(ctx context.Context) ([]*store.ServiceOrder, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// ActivationListener hears about orders that just became active.
type ActivationListener interface {
	OrderActivated(ctx context.Context, o *store.ServiceOrder)
}

type Window struct {
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Service struct {
	store    Store
	presence Presence
	deliver  event.Deliverer
	sched    *timer.Scheduler
	rooms    room.Issuer
	clock    clockwork.Clock
	log      *zap.Logger

	activated ActivationListener
}

func NewService(s Store, p Presence, d event.Deliverer, sched *timer.Scheduler, rooms room.Issuer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    s,
		presence: p,
		deliver:  d,
		sched:    sched,
		rooms:    rooms,
		clock:    sched.Clock(),
		log:      log,
	}
}

// SetActivationListener registers l to be told after each activation this
// service performs. Call it before serving requests.
func (s *Service) SetActivationListener(l ActivationListener) {
	s.activated = l
}

func orderKey(id string) string   { return "order:" + id }
func streamRoom(id string) string { return "stream:" + id }

func windowOf(o *store.ServiceOrder) Window {
	var w Window
	if o.ActivatedAt != nil {
		w.ActivatedAt = *o.ActivatedAt
	}
	if o.ExpiresAt != nil {
		w.ExpiresAt = *o.ExpiresAt
	}
	return w
}

func (s *Service) order(ctx context.Context, id string) (*store.ServiceOrder, error) {
	o, err := s.store.GetServiceOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return o, err
}

// Order returns the order if userID is one of its parties.
func (s *Service) Order(ctx context.Context, orderID, userID string) (*store.ServiceOrder, error) {
	o, err := s.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.HasParty(userID) {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// RequestStart activates a pending order when both parties are online and
// starts its countdown. On an already active order it returns the running
// window, so clients may poll it.
func (s *Service) RequestStart(ctx context.Context, orderID string) (Window, error) {
	o, err := s.order(ctx, orderID)
	if err != nil {
		return Window{}, err
	}
	switch o.Status {
	case store.OrderActive:
		return windowOf(o), nil
	case store.OrderPending:
	default:
		return Window{}, ErrNotStartable
	}
	if !s.presence.IsOnline(ctx, o.CreatorID) || !s.presence.IsOnline(ctx, o.UserID) {
		return Window{}, ErrPartiesNotOnline
	}

	now := s.clock.Now().UTC()
	expires := now.Add(o.Duration())
	if err := s.store.ActivateServiceOrder(ctx, o.ID, now, expires); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return Window{}, fmt.Errorf("activate order: %w", err)
		}
		// Someone else moved it first; report what they left.
		cur, gerr := s.order(ctx, o.ID)
		if gerr != nil {
			return Window{}, gerr
		}
		if cur.Status == store.OrderActive {
			return windowOf(cur), nil
		}
		return Window{}, ErrNotStartable
	}

	s.schedule(o.ID, expires)
	s.log.Info("fulfillment started",
		zap.String("order_id", o.ID), zap.Time("expires_at", expires))

	at := now
	s.emit(ctx, event.FulfillmentStarted, o, event.FulfillmentPayload{
		ServiceOrderID: o.ID, ActivatedAt: &at, ExpiresAt: &expires,
	})
	if s.activated != nil {
		o.Status = store.OrderActive
		o.ActivatedAt = &at
		o.ExpiresAt = &expires
		s.activated.OrderActivated(ctx, o)
	}
	return Window{ActivatedAt: now, ExpiresAt: expires}, nil
}

// RemainingTime never pauses: it only depends on now and the deadline.
func (s *Service) RemainingTime(ctx context.Context, orderID string) (time.Duration, error) {
	o, err := s.order(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return o.Remaining(s.clock.Now()), nil
}

// CompleteFulfillment moves an active order to fulfilled. Completing an
// already fulfilled order is a successful no-op with no second event.
func (s *Service) CompleteFulfillment(ctx context.Context, orderID string) error {
	now := s.clock.Now().UTC()
	err := s.store.CompleteServiceOrder(ctx, orderID, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		o, gerr := s.order(ctx, orderID)
		if gerr != nil {
			return gerr
		}
		if o.Status == store.OrderFulfilled {
			return nil
		}
		return ErrNotActive
	case err != nil:
		return fmt.Errorf("complete order: %w", err)
	}

	s.sched.Cancel(orderKey(orderID))
	if s.rooms != nil {
		if err := s.rooms.CloseRoom(ctx, streamRoom(orderID)); err != nil {
			s.log.Warn("close stream room", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	o, err := s.order(ctx, orderID)
	if err != nil {
		s.log.Warn("reload completed order", zap.String("order_id", orderID), zap.Error(err))
		return nil
	}
	s.log.Info("fulfillment completed", zap.String("order_id", orderID))
	s.emit(ctx, event.FulfillmentCompleted, o, event.FulfillmentPayload{
		ServiceOrderID: o.ID, ActivatedAt: o.ActivatedAt, ExpiresAt: o.ExpiresAt, UtilizedAt: &now,
	})
	return nil
}

// Cancel moves a pending or active order to cancelled and drops its timer.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	err := s.store.CancelServiceOrder(ctx, orderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrNotActive
	case err != nil:
		return fmt.Errorf("cancel order: %w", err)
	}
	s.sched.Cancel(orderKey(orderID))
	s.log.Info("service order cancelled", zap.String("order_id", orderID))
	return nil
}

// Recover re-arms countdowns for orders that were active when the process
// stopped. Orders already past their deadline complete right away.
func (s *Service) Recover(ctx context.Context) (int, error) {
	orders, err := s.store.ListActiveServiceOrders(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if o.ExpiresAt == nil {
			continue
		}
		s.schedule(o.ID, *o.ExpiresAt)
		n++
	}
	return n, nil
}

// JoinStream hands out a credential for the order's stream room, under the
// same gate as a call: a party, an active unexpired order, and the
// counterpart online.
func (s *Service) JoinStream(ctx context.Context, orderID, userID string) (room.Credential, error) {
	o, err := s.Order(ctx, orderID, userID)
	if err != nil {
		return room.Credential{}, err
	}
	if o.Status != store.OrderActive || o.Remaining(s.clock.Now()) <= 0 {
		return room.Credential{}, ErrStreamUnavailable
	}
	other := o.CreatorID
	if userID == o.CreatorID {
		other = o.UserID
	}
	if !s.presence.IsOnline(ctx, other) {
		return room.Credential{}, ErrPartiesNotOnline
	}
	cred, err := s.rooms.IssueCredential(ctx, streamRoom(o.ID), userID)
	if errors.Is(err, room.ErrRoomClosed) {
		return room.Credential{}, ErrStreamUnavailable
	}
	if err != nil {
		return room.Credential{}, fmt.Errorf("issue stream credential: %w", err)
	}
	return cred, nil
}

func (s *Service) schedule(orderID string, at time.Time) {
	s.sched.ScheduleAt(orderKey(orderID), at, func() {
		metrics.TimerFirings.WithLabelValues("fulfillment").Inc()
		if err := s.CompleteFulfillment(context.Background(), orderID); err != nil {
			s.log.Warn("expiry completion failed", zap.String("order_id", orderID), zap.Error(err))
		}
	})
}

func (s *Service) emit(ctx context.Context, typ event.Type, o *store.ServiceOrder, payload event.FulfillmentPayload) {
	env, err := event.New(typ, s.clock.Now(), payload)
	if err != nil {
		s.log.Error("build envelope", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := s.deliver.Deliver(ctx, []string{o.CreatorID, o.UserID}, env); err != nil {
		s.log.Warn("deliver failed", zap.String("type", string(typ)), zap.Error(err))
	}
}
