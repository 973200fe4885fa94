package handler

import (
	"context"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/microservices/livekitchen/service"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	Gateway      *Gateway
	OrderHandler *OrderHandler
	Health       *HealthHandler
}

func New(svc *service.Service, gateway *Gateway, verifier auth.Verifier, checks map[string]HealthCheck) *Handler {
	return &Handler{
		Gateway:      gateway,
		OrderHandler: NewOrderHandler(svc.Orders, verifier),
		Health:       NewHealthHandler(checks),
	}
}
