package handler

import (
	"errors"
	"net/http"
	"strconv"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
	"live-kitchen/internal/microservices/livekitchen/service"
)

// OrderHandler serves the read side used by clients that reconnect and need
// to catch up on order state.
type OrderHandler struct {
	service  service.OrderServiceInterface
	verifier auth.Verifier
}

func NewOrderHandler(svc service.OrderServiceInterface, verifier auth.Verifier) *OrderHandler {
	return &OrderHandler{service: svc, verifier: verifier}
}

func (h *OrderHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.verifier == nil {
		return true
	}
	if _, err := h.verifier.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return false
	}
	return true
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	o, err := h.service.GetOrder(r.Context(), param(r, "order_id"))
	if errors.Is(err, repository.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.NewOrderView(o))
}

func (h *OrderHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	id := param(r, "order_id")
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)

	events, err := h.service.StatusLog(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.TimelineResponse{OrderID: id, Events: page(events, limit, offset)})
}

func page(events []domain.StatusChange, limit, offset int) []domain.StatusChange {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []domain.StatusChange{}
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

func param(r *http.Request, key string) string {
	return r.PathValue(key)
}

func atoiDefault(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return n
}
