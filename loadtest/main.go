package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-fanline/internal/auth"
	"go-fanline/internal/event"
	"go-fanline/internal/store"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base URL")
	wsURL    = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	pairs    = flag.Int("pairs", 50, "creator/fan pairs; start small, the database might choke on 1000 immediately")
	msgCount = flag.Int("messages", 20, "messages per user")
	issuer   = flag.String("issuer", "fanline", "token issuer")
)

var sent, failed atomic.Int64

func main() {
	flag.Parse()
	log, _ := zap.NewDevelopment()
	defer log.Sync()

	secret := os.Getenv("FANLINE_AUTH_JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}

	log.Info("starting stress test", zap.Int("users", *pairs*2), zap.Int("messages_each", *msgCount))
	start := time.Now()

	// Pair i is a creator talking to a fan.
	var g errgroup.Group
	for i := 0; i < *pairs; i++ {
		i := i
		g.Go(func() error {
			runPair(log.With(zap.Int("pair", i)), secret, i)
			return nil
		})
	}
	g.Wait()

	log.Info("load test complete",
		zap.Int64("sent", sent.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

func runPair(log *zap.Logger, secret string, pairID int) {
	creator := fmt.Sprintf("creator-%d-%s", pairID, uuid.NewString()[:8])
	fan := fmt.Sprintf("fan-%d-%s", pairID, uuid.NewString()[:8])

	creatorToken, err := auth.Sign(secret, *issuer, creator, creator, time.Hour)
	if err != nil {
		log.Error("sign token", zap.Error(err))
		return
	}
	fanToken, err := auth.Sign(secret, *issuer, fan, fan, time.Hour)
	if err != nil {
		log.Error("sign token", zap.Error(err))
		return
	}

	convID, err := openConversation(creatorToken, creator, fan)
	if err != nil {
		log.Error("open conversation", zap.Error(err))
		return
	}
	if err := post(creatorToken, "/api/conversations/"+convID+"/enable", nil, nil); err != nil {
		log.Error("enable conversation", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.Go(func() error { spamChat(log, creatorToken, convID, creator); return nil })
	g.Go(func() error { spamChat(log, fanToken, convID, fan); return nil })
	g.Wait()
}

func openConversation(token, creator, fan string) (string, error) {
	var conv store.Conversation
	err := post(token, "/api/conversations", map[string]string{
		"creator_id": creator,
		"fan_id":     fan,
	}, &conv)
	return conv.ID, err
}

func spamChat(log *zap.Logger, token, convID, user string) {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", *wsURL, token), nil)
	if err != nil {
		log.Error("ws connect failed", zap.String("user", user), zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain server frames so the outbound queue never fills.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		env, err := event.New(event.MessageSend, time.Now(), event.MessageSendPayload{
			ConversationID: convID,
			Type:           string(store.MessageText),
			Content:        fmt.Sprintf("load test msg %d from %s", i, user),
			ClientID:       uuid.NewString(),
		})
		if err == nil {
			err = conn.WriteJSON(env)
		}
		if err != nil {
			failed.Add(1)
			log.Warn("send failed", zap.String("user", user), zap.Error(err))
			break
		}
		sent.Add(1)
		// Simulate real network instead of an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
	log.Debug("finished sending", zap.String("user", user), zap.Int("messages", *msgCount))
}

func post(token, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
