package service

import (
	"context"
	"errors"
	"fmt"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.Status, changedBy string) (int64, error)
	MessageFor(status domain.Status) string
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	StatusLog(ctx context.Context, orderID string) ([]domain.StatusChange, error)
}

type OrderService struct {
	db      repository.OrderRepositoryInterface
	enforce bool
	log     *logger.Logger
}

// NewOrderService builds the order store service. With enforceTransitions
// set, UpdateStatus only moves an order along the legal transition table.
func NewOrderService(db repository.OrderRepositoryInterface, enforceTransitions bool) *OrderService {
	return &OrderService{db: db, enforce: enforceTransitions, log: logger.New("orders")}
}

func (s *OrderService) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.Status == "" {
		o.Status = domain.StatusSentToKitchen
	}
	if err := s.db.CreateOrder(ctx, o); err != nil {
		if !errors.Is(err, repository.ErrInsertFailed) {
			err = fmt.Errorf("%w: %v", repository.ErrInsertFailed, err)
		}
		s.log.Error("order_insert_failed", err, map[string]any{"order_id": o.OrderID})
		return domain.Order{}, err
	}
	s.log.Info("order_created", map[string]any{
		"order_id": o.OrderID, "restaurant_id": o.RestaurantID, "customer_id": o.CustomerID, "items": len(o.Items),
	})
	return o, nil
}

// UpdateStatus returns the number of orders changed. 0 means the order does
// not exist or already has the status.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status domain.Status, changedBy string) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, status)
	}

	var from []domain.Status
	if s.enforce {
		from = domain.Predecessors(status)
		if len(from) == 0 {
			return 0, s.classifyMiss(ctx, orderID, status)
		}
	}

	n, err := s.db.UpdateStatus(ctx, orderID, status, from, changedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	if n == 0 && s.enforce {
		return 0, s.classifyMiss(ctx, orderID, status)
	}
	if n > 0 {
		s.log.Info("order_status_updated", map[string]any{
			"order_id": orderID, "status": string(status), "changed_by": changedBy,
		})
	}
	return n, nil
}

// classifyMiss tells an illegal move apart from a missing or unchanged order.
func (s *OrderService) classifyMiss(ctx context.Context, orderID string, to domain.Status) error {
	o, err := s.db.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	if o.Status == to || domain.CanTransition(o.Status, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
}

func (s *OrderService) MessageFor(status domain.Status) string {
	return domain.MessageFor(status)
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.db.GetOrder(ctx, orderID)
}

func (s *OrderService) StatusLog(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	return s.db.StatusLog(ctx, orderID)
}
