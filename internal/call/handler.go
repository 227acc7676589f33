package call

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	myMiddleware "go-fanline/internal/middleware"
	"go-fanline/internal/respond"
	"go-fanline/internal/store"
)

type Handler struct {
	coordinator *Coordinator
}

func NewHandler(c *Coordinator) *Handler {
	return &Handler{coordinator: c}
}

type initiateRequest struct {
	ReceiverID string         `json:"receiver_id"`
	Type       store.CallType `json:"type"`
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req initiateRequest
	if !respond.Decode(w, r, &req) {
		return
	}
	call, err := h.coordinator.Initiate(r.Context(), userID, req.ReceiverID, req.Type)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, call)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	call, err := h.coordinator.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, call)
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	cred, err := h.coordinator.Accept(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, cred)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.coordinator.Reject(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.coordinator.End(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Credential(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	cred, err := h.coordinator.Credential(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, cred)
}
