// Package notify delivers best-effort push notifications to users with no
// live connection.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, userIDs []string, n Notification) error
}

// Webhook posts notifications as JSON to a push gateway.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookRequest struct {
	UserIDs      []string     `json:"user_ids"`
	Notification Notification `json:"notification"`
}

func (w *Webhook) Notify(ctx context.Context, userIDs []string, n Notification) error {
	body, err := json.Marshal(webhookRequest{UserIDs: userIDs, Notification: n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Log only records the notification. It is the default when no gateway is
// configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Notify(ctx context.Context, userIDs []string, n Notification) error {
	l.log.Info("push notification",
		zap.Strings("user_ids", userIDs),
		zap.String("title", n.Title),
		zap.String("body", n.Body))
	return nil
}
