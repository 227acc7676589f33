package conversation

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	myMiddleware "go-fanline/internal/middleware"
	"go-fanline/internal/respond"
	"go-fanline/internal/store"
)

type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

type openRequest struct {
	CreatorID      string `json:"creator_id"`
	FanID          string `json:"fan_id"`
	ServiceOrderID string `json:"service_order_id"`
}

// Open is first contact: find or create the conversation. The caller must
// be one of the two parties.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req openRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	if userID != req.CreatorID && userID != req.FanID {
		respond.Error(w, r, fmt.Errorf("%w: caller is not a party", ErrUnauthorized))
		return
	}

	conv, err := h.manager.Open(r.Context(), req.CreatorID, req.FanID, req.ServiceOrderID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, conv)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	convs, err := h.manager.List(r.Context(), userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	respond.JSON(w, http.StatusOK, convs)
}

func (h *Handler) Enable(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.manager.Enable(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	view, err := h.manager.State(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, view)
}
