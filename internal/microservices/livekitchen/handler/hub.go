package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"live-kitchen/internal/domain"
)

var ErrSendBufferFull = errors.New("send buffer full")

// Hub indexes the connections this process holds by connection id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.info.ID] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver queues env on a local connection. ok is false when the connection
// is not held by this process. A full buffer drops the frame.
func (h *Hub) Deliver(connectionID string, env domain.Envelope) (bool, error) {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return true, fmt.Errorf("failed to encode %s frame: %w", env.Event, err)
	}
	if !c.enqueue(b) {
		return true, ErrSendBufferFull
	}
	return true, nil
}

// closeAll asks every connection to close. Teardown runs on each
// connection's own goroutine.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}
