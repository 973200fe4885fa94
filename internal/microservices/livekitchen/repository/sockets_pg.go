package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"live-kitchen/internal/domain"
)

// PGSockets is the shared registry backend: any instance can resolve
// connections held by any other.
type PGSockets struct {
	db *pgxpool.Pool
}

func NewPGSockets(db *pgxpool.Pool) *PGSockets {
	return &PGSockets{db: db}
}

func (r *PGSockets) AddSocket(ctx context.Context, c domain.Connection) error {
	connectedAt := c.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO sockets (socket_id, role, entity_id, instance_id, connected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (socket_id) DO NOTHING
	`, c.ID, string(c.Role), c.EntityID, c.InstanceID, connectedAt)
	if err != nil {
		return fmt.Errorf("failed to insert socket: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := r.GetSocket(ctx, c.ID)
	if err != nil {
		return err
	}
	if existing.SameIdentity(c) {
		return nil
	}
	return ErrDuplicateConnection
}

func (r *PGSockets) RemoveSocket(ctx context.Context, connectionID string) (domain.Connection, error) {
	c := domain.Connection{ID: connectionID}
	var role string
	// socket_interests rows go with it through ON DELETE CASCADE
	err := r.db.QueryRow(ctx, `
		DELETE FROM sockets WHERE socket_id = $1
		RETURNING role, entity_id, instance_id, connected_at
	`, connectionID).Scan(&role, &c.EntityID, &c.InstanceID, &c.ConnectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, ErrNotFound
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("failed to delete socket: %w", err)
	}
	c.Role = domain.Role(role)
	return c, nil
}

func (r *PGSockets) GetSocket(ctx context.Context, connectionID string) (domain.Connection, error) {
	c := domain.Connection{ID: connectionID}
	var role string
	err := r.db.QueryRow(ctx, `
		SELECT role, entity_id, instance_id, connected_at FROM sockets WHERE socket_id = $1
	`, connectionID).Scan(&role, &c.EntityID, &c.InstanceID, &c.ConnectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, ErrNotFound
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("failed to get socket: %w", err)
	}
	c.Role = domain.Role(role)
	return c, nil
}

func (r *PGSockets) SocketsFor(ctx context.Context, role domain.Role, entityID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT socket_id FROM sockets WHERE role = $1 AND entity_id = $2
	`, string(role), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sockets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan sockets: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (r *PGSockets) AddInterest(ctx context.Context, connectionID, restaurantID string) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO socket_interests (socket_id, restaurant_id)
		SELECT socket_id, $2 FROM sockets WHERE socket_id = $1 AND role = $3
		ON CONFLICT (socket_id, restaurant_id) DO NOTHING
	`, connectionID, restaurantID, string(domain.CustomerConnection))
	if err != nil {
		return fmt.Errorf("failed to insert interest: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// nothing inserted: already recorded, unknown socket or wrong role
	c, err := r.GetSocket(ctx, connectionID)
	if err != nil {
		return err
	}
	if c.Role != domain.CustomerConnection {
		return ErrNotCustomerConnection
	}
	return nil
}

func (r *PGSockets) InterestsOf(ctx context.Context, connectionID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT restaurant_id FROM socket_interests WHERE socket_id = $1
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interests: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan interests: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (r *PGSockets) Heartbeat(ctx context.Context, instanceID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO instances (instance_id, last_seen) VALUES ($1, $2)
		ON CONFLICT (instance_id) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`, instanceID, at.UTC())
	return err
}

func (r *PGSockets) StaleInstances(ctx context.Context, seenBefore time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT instance_id FROM instances WHERE last_seen < $1`, seenBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *PGSockets) PurgeInstance(ctx context.Context, instanceID string) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM sockets WHERE instance_id = $1`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sockets: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM instances WHERE instance_id = $1`, instanceID); err != nil {
		return 0, fmt.Errorf("failed to delete instance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *PGSockets) Close() error { return nil }
