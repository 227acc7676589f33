// Package presence tracks which users hold at least one live connection and
// publishes online/offline transitions.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"go-fanline/internal/metrics"
)

// Event is a presence transition. Exactly one online event is published when
// a user's connection set goes from empty to non-empty, and exactly one
// offline event when it becomes empty again.
type Event struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Mirror shares connection sets across processes. When a Registry has a
// mirror, transitions are decided by the mirror and every process learns
// about them from Events, including the ones it caused.
type Mirror interface {
	Add(ctx context.Context, userID, handle string) (first bool, err error)
	Remove(ctx context.Context, userID, handle string) (last bool, err error)
	Touch(ctx context.Context, userID, handle string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Sweep returns users whose connections all expired without a Remove,
	// such as those held by a process that crashed.
	Sweep(ctx context.Context) ([]string, error)
	Publish(ctx context.Context, e Event) error
	Events(ctx context.Context) (<-chan Event, error)
}

type Option func(*Registry)

func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithClock(c clockwork.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.log = l } }

// WithSweepInterval sets how often Run sweeps the mirror for expired users.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

const defaultSweepInterval = 30 * time.Second

type Registry struct {
	clock      clockwork.Clock
	log        *zap.Logger
	mirror     Mirror
	sweepEvery time.Duration

	mu     sync.Mutex
	local  map[string]map[string]struct{} // userID -> connection handles
	subs   map[*subscriber]struct{}
	closed bool
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:      clockwork.NewRealClock(),
		log:        zap.NewNop(),
		sweepEvery: defaultSweepInterval,
		local:      make(map[string]map[string]struct{}),
		subs:       make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect records a live connection for userID.
func (r *Registry) Connect(ctx context.Context, userID, handle string) {
	r.mu.Lock()
	set, ok := r.local[userID]
	if !ok {
		set = make(map[string]struct{})
		r.local[userID] = set
	}
	_, dup := set[handle]
	set[handle] = struct{}{}
	first := len(set) == 1 && !dup
	if first {
		metrics.OnlineUsers.Inc()
	}
	if r.mirror == nil && first {
		r.emitLocked(Event{UserID: userID, Online: true, At: r.clock.Now()})
	}
	r.mu.Unlock()

	if r.mirror == nil || dup {
		return
	}
	clusterFirst, err := r.mirror.Add(ctx, userID, handle)
	if err != nil {
		r.log.Warn("presence mirror add failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if clusterFirst {
		r.publish(ctx, Event{UserID: userID, Online: true, At: r.clock.Now()})
	}
}

// Disconnect removes a connection. Unknown handles are ignored, so the read
// pump, the heartbeat and a slow-consumer eviction may all call it.
func (r *Registry) Disconnect(ctx context.Context, userID, handle string) {
	r.mu.Lock()
	set, ok := r.local[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[handle]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, handle)
	last := len(set) == 0
	if last {
		delete(r.local, userID)
		metrics.OnlineUsers.Dec()
		if r.mirror == nil {
			r.emitLocked(Event{UserID: userID, Online: false, At: r.clock.Now()})
		}
	}
	r.mu.Unlock()

	if r.mirror == nil {
		return
	}
	clusterLast, err := r.mirror.Remove(ctx, userID, handle)
	if err != nil {
		r.log.Warn("presence mirror remove failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if clusterLast {
		r.publish(ctx, Event{UserID: userID, Online: false, At: r.clock.Now()})
	}
}

// Touch refreshes a connection's liveness in the mirror. It is called on
// every heartbeat pong.
func (r *Registry) Touch(ctx context.Context, userID, handle string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Touch(ctx, userID, handle); err != nil {
		r.log.Debug("presence mirror touch failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	r.mu.Lock()
	_, ok := r.local[userID]
	r.mu.Unlock()
	if ok || r.mirror == nil {
		return ok
	}
	online, err := r.mirror.IsOnline(ctx, userID)
	if err != nil {
		r.log.Warn("presence mirror lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

// OnlineUsers returns the users connected to this process, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.local))
	for id := range r.local {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel of transitions. Events are queued per
// subscriber without bound, so a slow subscriber never loses or reorders
// events and never blocks Connect or Disconnect. cancel closes the channel.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	s := newSubscriber()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, s)
			r.mu.Unlock()
			s.stop()
		})
	}
	return s.out, cancel
}

// Run relays cluster transitions from the mirror to local subscribers and
// sweeps the mirror every sweep interval until ctx is done. It returns
// immediately without a mirror.
func (r *Registry) Run(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	events, err := r.mirror.Events(ctx)
	if err != nil {
		return err
	}
	ticker := r.clock.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.Sweep(ctx)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.mu.Lock()
			r.emitLocked(e)
			r.mu.Unlock()
		}
	}
}

// Sweep publishes an offline transition for every user whose mirrored
// connections expired, and returns how many there were.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.mirror == nil {
		return 0
	}
	gone, err := r.mirror.Sweep(ctx)
	if err != nil {
		r.log.Warn("presence sweep failed", zap.Error(err))
	}
	for _, userID := range gone {
		r.log.Info("presence expired", zap.String("user_id", userID))
		r.publish(ctx, Event{UserID: userID, Online: false, At: r.clock.Now()})
	}
	return len(gone)
}

// Close releases every subscriber.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		s.stop()
		delete(r.subs, s)
	}
}

func (r *Registry) publish(ctx context.Context, e Event) {
	if err := r.mirror.Publish(ctx, e); err != nil {
		r.log.Error("presence publish failed",
			zap.String("user_id", e.UserID), zap.Bool("online", e.Online), zap.Error(err))
	}
}

func (r *Registry) emitLocked(e Event) {
	for s := range r.subs {
		s.push(e)
	}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go s.run()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}
