package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

func TestRegistryRegisterThenResolve(t *testing.T) {
	reg := NewRegistry(repository.NewMemorySockets())
	ctx := context.Background()
	c := domain.Connection{ID: "c1", Role: domain.RestaurantConnection, EntityID: "rest-1"}

	require.NoError(t, reg.Register(ctx, c))
	ids, err := reg.ConnectionsFor(ctx, domain.RestaurantConnection, "rest-1")
	require.NoError(t, err)
	assert.Contains(t, ids, "c1")

	require.NoError(t, reg.Unregister(ctx, "c1"))
	ids, err = reg.ConnectionsFor(ctx, domain.RestaurantConnection, "rest-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "c1")

	assert.ErrorIs(t, reg.Unregister(ctx, "c1"), repository.ErrNotFound)
}

func TestRegistryRejectsConflictsAndBadInput(t *testing.T) {
	reg := NewRegistry(repository.NewMemorySockets())
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.Connection{ID: "c1", Role: domain.CustomerConnection, EntityID: "cust-1"}))
	err := reg.Register(ctx, domain.Connection{ID: "c1", Role: domain.CustomerConnection, EntityID: "cust-2"})
	assert.ErrorIs(t, err, repository.ErrDuplicateConnection)

	err = reg.Register(ctx, domain.Connection{ID: "c2", Role: domain.Role("Waiter"), EntityID: "w"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	assert.ErrorIs(t, reg.RecordInterest(ctx, "nobody", "rest-1"), repository.ErrNotFound)
}

func TestReaperPurgesStaleInstances(t *testing.T) {
	sockets := repository.NewMemorySockets()
	ctx := context.Background()
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sockets.Heartbeat(ctx, "node-dead", now.Add(-time.Hour)))
	require.NoError(t, sockets.AddSocket(ctx, domain.Connection{ID: "old", Role: domain.CustomerConnection, EntityID: "cust-1", InstanceID: "node-dead"}))
	require.NoError(t, sockets.AddSocket(ctx, domain.Connection{ID: "mine-before", Role: domain.CustomerConnection, EntityID: "cust-1", InstanceID: "node-a"}))

	r := NewReaper(sockets, "node-a", time.Second, time.Minute)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Start(ctx))
	_, err := sockets.GetSocket(ctx, "mine-before")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = sockets.GetSocket(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// own heartbeat is fresh, nothing left to sweep
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, sockets.AddSocket(ctx, domain.Connection{ID: "live", Role: domain.CustomerConnection, EntityID: "cust-1", InstanceID: "node-a"}))
	require.NoError(t, r.Stop(ctx))
	_, err = sockets.GetSocket(ctx, "live")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
