package repository

import (
	"context"
	"time"

	"live-kitchen/internal/domain"
)

// SocketRepositoryInterface stores live connections, the customer interest
// table and per-instance heartbeats. Every method is atomic on its own.
type SocketRepositoryInterface interface {
	// AddSocket is idempotent for the same (id, role, entity) and fails with
	// ErrDuplicateConnection for a different one.
	AddSocket(ctx context.Context, c domain.Connection) error
	// RemoveSocket deletes the connection together with its interest records.
	RemoveSocket(ctx context.Context, connectionID string) (domain.Connection, error)
	GetSocket(ctx context.Context, connectionID string) (domain.Connection, error)
	SocketsFor(ctx context.Context, role domain.Role, entityID string) ([]string, error)

	AddInterest(ctx context.Context, connectionID, restaurantID string) error
	InterestsOf(ctx context.Context, connectionID string) ([]string, error)

	Heartbeat(ctx context.Context, instanceID string, at time.Time) error
	StaleInstances(ctx context.Context, seenBefore time.Time) ([]string, error)
	// PurgeInstance drops every connection owned by the instance and the
	// instance itself, returning the number of connections removed.
	PurgeInstance(ctx context.Context, instanceID string) (int, error)

	Close() error
}
