package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"live-kitchen/internal/domain"
)

type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	log    map[string][]domain.StatusChange
	now    func() time.Time
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		orders: make(map[string]domain.Order),
		log:    make(map[string][]domain.StatusChange),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryOrders) CreateOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: order %s already exists", ErrInsertFailed, o.OrderID)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.ClientTime != nil {
		ct := *o.ClientTime
		o.ClientTime = &ct
	}
	m.orders[o.OrderID] = o
	m.log[o.OrderID] = append(m.log[o.OrderID], domain.StatusChange{
		OrderID: o.OrderID, Status: o.Status, ChangedBy: o.CustomerID, ChangedAt: m.now(),
	})
	return nil
}

func (m *MemoryOrders) UpdateStatus(_ context.Context, orderID string, to domain.Status, from []domain.Status, changedBy string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !statusAllowed(o.Status, to, from) {
		return 0, nil
	}
	o.Status = to
	m.orders[orderID] = o
	m.log[orderID] = append(m.log[orderID], domain.StatusChange{
		OrderID: orderID, Status: to, ChangedBy: changedBy, ChangedAt: m.now(),
	})
	return 1, nil
}

func (m *MemoryOrders) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o, nil
}

func (m *MemoryOrders) StatusLog(_ context.Context, orderID string) ([]domain.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.orders[orderID]; !ok {
		return nil, ErrNotFound
	}
	return append([]domain.StatusChange(nil), m.log[orderID]...), nil
}
