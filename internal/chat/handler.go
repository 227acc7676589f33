package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "go-fanline/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is enforced by the edge proxy.
	},
}

type Handler struct {
	hub      *Hub
	services Services
	ctx      context.Context
	log      *zap.Logger
	pongWait time.Duration
}

// NewHandler serves websocket upgrades. ctx bounds the lifetime of every
// connection's inbound work; cancel it on shutdown.
func NewHandler(ctx context.Context, hub *Hub, s Services, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, services: s, ctx: ctx, log: log, pongWait: defaultPongWait}
}

// SetPongWait changes how long a connection may go without answering a ping
// before it is closed and its user marked offline.
func (h *Handler) SetPongWait(d time.Duration) {
	if d > 0 {
		h.pongWait = d
	}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	username := myMiddleware.UsernameFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, userID, username, uuid.NewString(), h.services, h.log)
	client.setHeartbeat(h.pongWait)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	h.services.Presence.Connect(h.ctx, userID, client.handle)

	go client.writePump()
	go client.readPump(h.ctx)
}
