package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-fanline/internal/apperr"
	"go-fanline/internal/conversation"
	"go-fanline/internal/event"
	"go-fanline/internal/message"
	"go-fanline/internal/room"
	"go-fanline/internal/store"
)

const (
	writeWait       = 10 * time.Second // Time allowed to write a message to the peer.
	defaultPongWait = 60 * time.Second // Time allowed to read the next pong message from the peer.
	maxMessageSize  = 32 * 1024        // Maximum message size allowed from peer.
	sendQueueSize  = 256
	handleTimeout  = 10 * time.Second

	inboundRate  = 20 // frames per second
	inboundBurst = 40
)

var newline = []byte{'\n'}

type Messages interface {
	Send(ctx context.Context, req message.SendRequest) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) error
	Typing(ctx context.Context, conversationID, userID string, typing bool) error
}

type Conversations interface {
	StartAcceptanceWindow(ctx context.Context, conversationID, initiatorID string) (conversation.Window, error)
	Accept(ctx context.Context, conversationID, responderID string) error
	Reject(ctx context.Context, conversationID, responderID string) error
}

type Calls interface {
	Initiate(ctx context.Context, callerID, receiverID string, typ store.CallType) (*store.Call, error)
	Accept(ctx context.Context, callID, responderID string) (room.Credential, error)
	Reject(ctx context.Context, callID, responderID string) error
	End(ctx context.Context, callID, requesterID string) error
}

type Presence interface {
	Connect(ctx context.Context, userID, handle string)
	Touch(ctx context.Context, userID, handle string)
	Disconnect(ctx context.Context, userID, handle string)
}

// Services are what inbound frames are dispatched to.
type Services struct {
	Messages      Messages
	Conversations Conversations
	Calls         Calls
	Presence      Presence
	Clock         clockwork.Clock
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	handle   string
	services Services
	limiter  *rate.Limiter
	seen     *recent // touched only by the hub goroutine
	log      *zap.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

func newClient(hub *Hub, conn *websocket.Conn, userID, username, handle string, s Services, log *zap.Logger) *Client {
	c := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		userID:   userID,
		username: username,
		handle:   handle,
		services: s,
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
		seen:     newRecent(),
		log:      log.With(zap.String("user_id", userID), zap.String("handle", handle)),
	}
	c.setHeartbeat(defaultPongWait)
	return c
}

// setHeartbeat sets how long the peer may stay silent. Pings go out at 9/10
// of that, so a live peer always answers in time.
func (c *Client) setHeartbeat(pongWait time.Duration) {
	c.pongWait = pongWait
	c.pingPeriod = (pongWait * 9) / 10
}

// readPump pumps frames from the websocket connection to the services. It
// owns disconnect: when it returns the user's presence is already updated.
func (c *Client) readPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
		c.services.Presence.Disconnect(context.Background(), c.userID, c.handle)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.services.Presence.Touch(ctx, c.userID, c.handle)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("read failed", zap.Error(err))
			}
			return
		}
		for _, frame := range bytes.Split(data, newline) {
			frame = bytes.TrimSpace(frame)
			if len(frame) == 0 {
				continue
			}
			if !c.limiter.Allow() {
				c.reply(event.NewError(c.now(), apperr.CodeRateLimited, "slow down"))
				continue
			}
			c.dispatch(ctx, frame)
		}
	}
}

// writePump pumps envelopes from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the queue.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Coalesce whatever is already queued into this frame, one
			// envelope per line.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound envelope. Failures go back to this
// connection only, as an error envelope.
func (c *Client) dispatch(ctx context.Context, frame []byte) {
	env, err := event.Decode(frame)
	if err != nil {
		c.reply(event.NewError(c.now(), apperr.CodeInvalidPayload, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	switch env.Type {
	case event.MessageSend:
		var p event.MessageSendPayload
		if err = env.Bind(&p); err == nil {
			_, err = c.services.Messages.Send(ctx, message.SendRequest{
				SenderID:       c.userID,
				ConversationID: p.ConversationID,
				Type:           store.MessageType(p.Type),
				Content:        p.Content,
				MediaURL:       p.MediaURL,
				ClientID:       p.ClientID,
			})
		}
		c.fail(env.Type, err, apperr.CodeSendFailed)

	case event.MessageRead:
		var p event.MessageReadPayload
		if err = env.Bind(&p); err == nil {
			err = c.services.Messages.MarkRead(ctx, p.ConversationID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.TypingStart, event.TypingStop:
		var p event.TypingPayload
		if err = env.Bind(&p); err == nil {
			err = c.services.Messages.Typing(ctx, p.ConversationID, c.userID, env.Type == event.TypingStart)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.ChatStart:
		var p event.ConversationRef
		if err = env.Bind(&p); err == nil {
			_, err = c.services.Conversations.StartAcceptanceWindow(ctx, p.ConversationID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.ChatAccept:
		var p event.ConversationRef
		if err = env.Bind(&p); err == nil {
			err = c.services.Conversations.Accept(ctx, p.ConversationID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.ChatReject:
		var p event.ConversationRef
		if err = env.Bind(&p); err == nil {
			err = c.services.Conversations.Reject(ctx, p.ConversationID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.CallInitiate:
		var p event.CallInitiatePayload
		if err = env.Bind(&p); err == nil {
			_, err = c.services.Calls.Initiate(ctx, c.userID, p.ReceiverID, store.CallType(p.Type))
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.CallAccept:
		var p event.CallRef
		if err = env.Bind(&p); err == nil {
			// The credential arrives as call_accepted.
			_, err = c.services.Calls.Accept(ctx, p.CallID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.CallReject:
		var p event.CallRef
		if err = env.Bind(&p); err == nil {
			err = c.services.Calls.Reject(ctx, p.CallID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	case event.CallEnd:
		var p event.CallRef
		if err = env.Bind(&p); err == nil {
			err = c.services.Calls.End(ctx, p.CallID, c.userID)
		}
		c.fail(env.Type, err, apperr.CodeInternal)

	default:
		c.reply(event.NewError(c.now(), apperr.CodeUnknownMessageType, "unknown message type: "+string(env.Type)))
	}
}

func (c *Client) fail(typ event.Type, err error, fallback string) {
	if err == nil {
		return
	}
	code := apperr.CodeOf(err, fallback)
	if errors.Is(err, event.ErrMalformed) {
		code = apperr.CodeInvalidPayload
	} else if apperr.KindOf(err) == apperr.KindInternal {
		c.log.Error("inbound failed", zap.String("type", string(typ)), zap.Error(err))
	}
	c.reply(event.NewError(c.now(), code, err.Error()))
}

// reply queues env for this connection only.
func (c *Client) reply(env event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.deliverTo(c, data)
}

func (c *Client) now() time.Time {
	if c.services.Clock != nil {
		return c.services.Clock.Now()
	}
	return time.Now()
}
