package chat

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"go-fanline/internal/event"
	"go-fanline/internal/metrics"
)

// Hub owns the live connections of this process, grouped by user. All
// connection bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[string]map[*Client]bool // by user id
	register   chan *Client
	unregister chan *Client
	deliveries chan delivery
	done       chan struct{}
	log        *zap.Logger

	mu     sync.Mutex
	counts map[string]int
}

type delivery struct {
	client    *Client // set for a reply to one connection
	userIDs   []string
	data      []byte
	messageID string // set for message:received, used for dedup
}

var _ event.Deliverer = (*Hub)(nil)

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliveries: make(chan delivery, 256),
		done:       make(chan struct{}),
		log:        log,
		counts:     make(map[string]int),
	}
}

// Run serves register, unregister and delivery requests until ctx is done,
// then closes every connection's queue.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for _, set := range h.clients {
			for c := range set {
				close(c.send)
				metrics.Connections.Dec()
			}
		}
		h.clients = nil
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			set := h.clients[c.userID]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[c.userID] = set
			}
			set[c] = true
			h.setCount(c.userID, len(set))
			metrics.Connections.Inc()

		case c := <-h.unregister:
			h.remove(c)

		case d := <-h.deliveries:
			if d.client != nil {
				if h.clients[d.client.userID][d.client] {
					h.offer(d.client, d.data)
				}
				continue
			}
			for _, id := range d.userIDs {
				for c := range h.clients[id] {
					if d.messageID != "" && !c.seen.add(d.messageID) {
						continue
					}
					h.offer(c, d.data)
				}
			}
		}
	}
}

// offer queues data for c without blocking. A full queue closes c.
func (h *Hub) offer(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		metrics.SlowConsumers.Inc()
		h.log.Warn("send queue full, closing connection",
			zap.String("user_id", c.userID), zap.String("handle", c.handle))
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	h.setCount(c.userID, len(set))
	metrics.Connections.Dec()
}

func (h *Hub) setCount(userID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.counts, userID)
		return
	}
	h.counts[userID] = n
}

// Connections reports how many live connections userID has here.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[userID]
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues env for every local connection of userIDs. It only blocks
// while the hub's own queue is full, never on a connection.
func (h *Hub) Deliver(ctx context.Context, userIDs []string, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	d := delivery{userIDs: userIDs, data: data}
	if env.Type == event.MessageReceived {
		var ref struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(env.Payload, &ref) == nil {
			d.messageID = ref.ID
		}
	}
	select {
	case h.deliveries <- d:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) deliverTo(c *Client, data []byte) {
	select {
	case h.deliveries <- delivery{client: c, data: data}:
	case <-h.done:
	}
}

// recent remembers the last few message ids handed to one connection.
type recent struct {
	ids  map[string]struct{}
	ring []string
	next int
}

const recentSize = 512

func newRecent() *recent {
	return &recent{ids: make(map[string]struct{}, recentSize), ring: make([]string, recentSize)}
}

// add records id and reports whether it was new.
func (r *recent) add(id string) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % recentSize
	return true
}
