package handler

import (
	"context"
	"errors"
	"fmt"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
)

var ErrUndeliverable = errors.New("connection not reachable from this instance")

type ConnectionLookup interface {
	Lookup(ctx context.Context, connectionID string) (domain.Connection, error)
}

// Relay forwards a frame to the instance that owns the connection.
type Relay interface {
	Publish(ctx context.Context, instanceID, connectionID string, env domain.Envelope) error
}

// Dispatcher is the router's emitter. Local connections are served from the
// hub; the rest go through the relay when one is configured.
type Dispatcher struct {
	hub        *Hub
	lookup     ConnectionLookup
	relay      Relay
	instanceID string
	log        *logger.Logger
}

// NewDispatcher builds the emitter. relay may be nil for a single instance
// deployment.
func NewDispatcher(hub *Hub, lookup ConnectionLookup, relay Relay, instanceID string) *Dispatcher {
	return &Dispatcher{
		hub:        hub,
		lookup:     lookup,
		relay:      relay,
		instanceID: instanceID,
		log:        logger.New("dispatcher"),
	}
}

func (d *Dispatcher) Emit(ctx context.Context, connectionID string, env domain.Envelope) error {
	local, err := d.hub.Deliver(connectionID, env)
	if local {
		if err != nil {
			metrics.EmissionsTotal.WithLabelValues(env.Event, "dropped").Inc()
			d.log.Warn("frame_dropped", map[string]any{"connection_id": connectionID, "event": env.Event, "error": err.Error()})
			return err
		}
		metrics.EmissionsTotal.WithLabelValues(env.Event, "local").Inc()
		return nil
	}

	if d.relay == nil {
		return d.undelivered(connectionID, env, "no relay configured")
	}
	c, err := d.lookup.Lookup(ctx, connectionID)
	if err != nil {
		return d.undelivered(connectionID, env, err.Error())
	}
	if c.InstanceID == "" || c.InstanceID == d.instanceID {
		// registered here but no longer held: a record the reaper has not
		// caught up with yet
		return d.undelivered(connectionID, env, "stale registration")
	}
	if err := d.relay.Publish(ctx, c.InstanceID, connectionID, env); err != nil {
		metrics.EmissionsTotal.WithLabelValues(env.Event, "relay_failed").Inc()
		return fmt.Errorf("failed to relay to %s: %w", c.InstanceID, err)
	}
	metrics.EmissionsTotal.WithLabelValues(env.Event, "relayed").Inc()
	return nil
}

func (d *Dispatcher) undelivered(connectionID string, env domain.Envelope, reason string) error {
	metrics.EmissionsTotal.WithLabelValues(env.Event, "undelivered").Inc()
	d.log.Debug("frame_undelivered", map[string]any{"connection_id": connectionID, "event": env.Event, "reason": reason})
	return fmt.Errorf("%w: %s", ErrUndeliverable, connectionID)
}
