package handler

import (
	"net/http"

	"live-kitchen/internal/common/metrics"
)

func Router(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", h.Gateway)
	mux.HandleFunc("GET /api/v1/orders/{order_id}", h.OrderHandler.GetOrder)
	mux.HandleFunc("GET /api/v1/orders/{order_id}/timeline", h.OrderHandler.GetTimeline)
	mux.HandleFunc("GET /healthz", h.Health.ServeHTTP)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
