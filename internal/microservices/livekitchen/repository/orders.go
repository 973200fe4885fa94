package repository

import (
	"context"

	"live-kitchen/internal/domain"
)

type OrderRepositoryInterface interface {
	CreateOrder(ctx context.Context, o domain.Order) error
	// UpdateStatus moves the order to `to` when its current status is one of
	// `from`. An empty `from` allows any current status other than `to`.
	// It returns the number of orders changed (0 or 1).
	UpdateStatus(ctx context.Context, orderID string, to domain.Status, from []domain.Status, changedBy string) (int64, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	StatusLog(ctx context.Context, orderID string) ([]domain.StatusChange, error)
}

func statusAllowed(current, to domain.Status, from []domain.Status) bool {
	if current == to {
		return false
	}
	if len(from) == 0 {
		return true
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}
