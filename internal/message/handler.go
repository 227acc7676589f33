package message

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	myMiddleware "go-fanline/internal/middleware"
	"go-fanline/internal/respond"
	"go-fanline/internal/store"
)

// Handler serves message history and sends for clients that are not on the
// websocket.
type Handler struct {
	pipeline *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

type sendBody struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	MediaURL string `json:"media_url"`
	ClientID string `json:"client_id"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var body sendBody
	if !respond.Decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		body.Type = string(store.MessageText)
	}

	msg, err := h.pipeline.Send(r.Context(), SendRequest{
		SenderID:       userID,
		ConversationID: chi.URLParam(r, "id"),
		Type:           store.MessageType(body.Type),
		Content:        body.Content,
		MediaURL:       body.MediaURL,
		ClientID:       body.ClientID,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, msg)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.pipeline.History(r.Context(), chi.URLParam(r, "id"), userID, limit)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respond.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.pipeline.MarkRead(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
