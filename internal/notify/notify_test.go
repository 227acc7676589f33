package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-fanline/internal/notify"
)

func TestWebhookPostsNotification(t *testing.T) {
	var got struct {
		UserIDs      []string            `json:"user_ids"`
		Notification notify.Notification `json:"notification"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := notify.NewWebhook(srv.URL, time.Second)
	err := w.Notify(context.Background(), []string{"fan-1"}, notify.Notification{
		Title: "New message", Body: "hey", Data: map[string]string{"conversation_id": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fan-1"}, got.UserIDs)
	assert.Equal(t, "c1", got.Notification.Data["conversation_id"])
}

func TestWebhookReportsGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewWebhook(srv.URL, time.Second).Notify(context.Background(), []string{"x"}, notify.Notification{})
	assert.Error(t, err)
}

func TestLogNeverFails(t *testing.T) {
	assert.NoError(t, notify.NewLog(zap.NewNop()).Notify(context.Background(), nil, notify.Notification{Title: "t"}))
}
