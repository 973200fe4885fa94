package repository

import (
	"context"
	"sync"
	"time"

	"live-kitchen/internal/domain"
)

type entityKey struct {
	role     domain.Role
	entityID string
}

// MemorySockets keeps the registry in process memory. Only valid for a single
// instance deployment.
type MemorySockets struct {
	mu        sync.RWMutex
	sockets   map[string]domain.Connection
	byEntity  map[entityKey]map[string]struct{}
	interests map[string]map[string]struct{}
	instances map[string]time.Time
}

func NewMemorySockets() *MemorySockets {
	return &MemorySockets{
		sockets:   make(map[string]domain.Connection),
		byEntity:  make(map[entityKey]map[string]struct{}),
		interests: make(map[string]map[string]struct{}),
		instances: make(map[string]time.Time),
	}
}

func (m *MemorySockets) AddSocket(_ context.Context, c domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sockets[c.ID]; ok {
		if existing.SameIdentity(c) {
			return nil
		}
		return ErrDuplicateConnection
	}
	m.sockets[c.ID] = c
	k := entityKey{c.Role, c.EntityID}
	if m.byEntity[k] == nil {
		m.byEntity[k] = make(map[string]struct{})
	}
	m.byEntity[k][c.ID] = struct{}{}
	return nil
}

func (m *MemorySockets) RemoveSocket(_ context.Context, connectionID string) (domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(connectionID)
}

func (m *MemorySockets) removeLocked(connectionID string) (domain.Connection, error) {
	c, ok := m.sockets[connectionID]
	if !ok {
		return domain.Connection{}, ErrNotFound
	}
	delete(m.sockets, connectionID)
	k := entityKey{c.Role, c.EntityID}
	delete(m.byEntity[k], connectionID)
	if len(m.byEntity[k]) == 0 {
		delete(m.byEntity, k)
	}
	delete(m.interests, connectionID)
	return c, nil
}

func (m *MemorySockets) GetSocket(_ context.Context, connectionID string) (domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sockets[connectionID]
	if !ok {
		return domain.Connection{}, ErrNotFound
	}
	return c, nil
}

func (m *MemorySockets) SocketsFor(_ context.Context, role domain.Role, entityID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byEntity[entityKey{role, entityID}]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemorySockets) AddInterest(_ context.Context, connectionID, restaurantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sockets[connectionID]
	if !ok {
		return ErrNotFound
	}
	if c.Role != domain.CustomerConnection {
		return ErrNotCustomerConnection
	}
	if m.interests[connectionID] == nil {
		m.interests[connectionID] = make(map[string]struct{})
	}
	m.interests[connectionID][restaurantID] = struct{}{}
	return nil
}

func (m *MemorySockets) InterestsOf(_ context.Context, connectionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.interests[connectionID]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemorySockets) Heartbeat(_ context.Context, instanceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instanceID] = at
	return nil
}

func (m *MemorySockets) StaleInstances(_ context.Context, seenBefore time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, seen := range m.instances {
		if seen.Before(seenBefore) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemorySockets) PurgeInstance(_ context.Context, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.sockets {
		if c.InstanceID != instanceID {
			continue
		}
		if _, err := m.removeLocked(id); err == nil {
			n++
		}
	}
	delete(m.instances, instanceID)
	return n, nil
}

func (m *MemorySockets) Close() error { return nil }
