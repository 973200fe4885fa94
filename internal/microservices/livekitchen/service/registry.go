package service

import (
	"context"
	"errors"
	"fmt"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

type RegistryServiceInterface interface {
	Register(ctx context.Context, c domain.Connection) error
	Unregister(ctx context.Context, connectionID string) error
	ConnectionsFor(ctx context.Context, role domain.Role, entityID string) ([]string, error)
	RecordInterest(ctx context.Context, customerConnectionID, restaurantID string) error
	InterestedConnectionsForCustomer(ctx context.Context, customerID string) ([]string, error)
	Lookup(ctx context.Context, connectionID string) (domain.Connection, error)
	InterestsOf(ctx context.Context, connectionID string) ([]string, error)
}

type Registry struct {
	sockets repository.SocketRepositoryInterface
	log     *logger.Logger
}

func NewRegistry(sockets repository.SocketRepositoryInterface) *Registry {
	return &Registry{sockets: sockets, log: logger.New("registry")}
}

func (r *Registry) fail(op string, err error) {
	metrics.RegistryErrors.WithLabelValues(op).Inc()
	r.log.Error("registry_"+op+"_failed", err, nil)
}

func (r *Registry) Register(ctx context.Context, c domain.Connection) error {
	if c.ID == "" || c.EntityID == "" || !c.Role.Valid() {
		return fmt.Errorf("%w: connection needs id, role and entity", ErrInvalidEvent)
	}
	if err := r.sockets.AddSocket(ctx, c); err != nil {
		r.fail("register", err)
		return fmt.Errorf("failed to register connection %s: %w", c.ID, err)
	}
	r.log.Debug("connection_registered", map[string]any{
		"connection_id": c.ID, "role": string(c.Role), "entity_id": c.EntityID,
	})
	return nil
}

// Unregister removes the connection and its interest records. ErrNotFound
// means the record was already gone.
func (r *Registry) Unregister(ctx context.Context, connectionID string) error {
	c, err := r.sockets.RemoveSocket(ctx, connectionID)
	if errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err != nil {
		r.fail("unregister", err)
		return fmt.Errorf("failed to unregister connection %s: %w", connectionID, err)
	}
	r.log.Debug("connection_unregistered", map[string]any{
		"connection_id": c.ID, "role": string(c.Role), "entity_id": c.EntityID,
	})
	return nil
}

func (r *Registry) ConnectionsFor(ctx context.Context, role domain.Role, entityID string) ([]string, error) {
	ids, err := r.sockets.SocketsFor(ctx, role, entityID)
	if err != nil {
		r.fail("lookup", err)
		return nil, fmt.Errorf("failed to resolve %s %s: %w", role, entityID, err)
	}
	return ids, nil
}

func (r *Registry) RecordInterest(ctx context.Context, customerConnectionID, restaurantID string) error {
	if err := r.sockets.AddInterest(ctx, customerConnectionID, restaurantID); err != nil {
		r.fail("interest", err)
		return fmt.Errorf("failed to record interest of %s in %s: %w", customerConnectionID, restaurantID, err)
	}
	return nil
}

// InterestedConnectionsForCustomer resolves the customer's own live
// connections, the ones a status update is routed back to.
func (r *Registry) InterestedConnectionsForCustomer(ctx context.Context, customerID string) ([]string, error) {
	return r.ConnectionsFor(ctx, domain.CustomerConnection, customerID)
}

func (r *Registry) Lookup(ctx context.Context, connectionID string) (domain.Connection, error) {
	c, err := r.sockets.GetSocket(ctx, connectionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.fail("lookup", err)
	}
	return c, err
}

func (r *Registry) InterestsOf(ctx context.Context, connectionID string) ([]string, error) {
	return r.sockets.InterestsOf(ctx, connectionID)
}
