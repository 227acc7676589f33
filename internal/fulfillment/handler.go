package fulfillment

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	myMiddleware "go-fanline/internal/middleware"
	"go-fanline/internal/respond"
	"go-fanline/internal/store"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type remainingResponse struct {
	OrderID          string            `json:"order_id"`
	Status           store.OrderStatus `json:"status"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
}

// authorize resolves the order named in the path for the calling party.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*store.ServiceOrder, string, bool) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, "", false
	}
	o, err := h.service.Order(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respond.Error(w, r, err)
		return nil, "", false
	}
	return o, userID, true
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	win, err := h.service.RequestStart(r.Context(), o.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, win)
}

func (h *Handler) Remaining(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	left, err := h.service.RemainingTime(r.Context(), o.ID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, remainingResponse{
		OrderID:          o.ID,
		Status:           o.Status,
		RemainingSeconds: int64(left / time.Second),
		ExpiresAt:        o.ExpiresAt,
	})
}

// Complete is the creator's manual completion.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	o, userID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if userID != o.CreatorID {
		respond.Error(w, r, ErrUnauthorized)
		return
	}
	if err := h.service.CompleteFulfillment(r.Context(), o.ID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), o.ID); err != nil {
		respond.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	o, userID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	cred, err := h.service.JoinStream(r.Context(), o.ID, userID)
	if err != nil {
		respond.Error(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, cred)
}
