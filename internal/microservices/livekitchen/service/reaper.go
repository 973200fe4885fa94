package service

import (
	"context"
	"fmt"
	"time"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

// Reaper keeps this instance's heartbeat fresh and removes connections left
// behind by instances that stopped heartbeating.
type Reaper struct {
	sockets    repository.SocketRepositoryInterface
	instanceID string
	interval   time.Duration
	staleAfter time.Duration
	log        *logger.Logger
	now        func() time.Time
}

func NewReaper(sockets repository.SocketRepositoryInterface, instanceID string, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if staleAfter <= interval {
		staleAfter = 4 * interval
	}
	return &Reaper{
		sockets:    sockets,
		instanceID: instanceID,
		interval:   interval,
		staleAfter: staleAfter,
		log:        logger.New("reaper").With(map[string]any{"instance_id": instanceID}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start drops anything a previous run of this instance left behind and
// writes the first heartbeat.
func (r *Reaper) Start(ctx context.Context) error {
	n, err := r.sockets.PurgeInstance(ctx, r.instanceID)
	if err != nil {
		return fmt.Errorf("failed to purge previous connections: %w", err)
	}
	if n > 0 {
		metrics.StaleConnectionsPurged.Add(float64(n))
		r.log.Info("leftover_connections_purged", map[string]any{"count": n})
	}
	if err := r.sockets.Heartbeat(ctx, r.instanceID, r.now()); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	r.log.Info("instance_registered", nil)
	return nil
}

// Run heartbeats and sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.sockets.Heartbeat(ctx, r.instanceID, r.now()); err != nil {
				r.log.Error("heartbeat_failed", err, nil)
			} else {
				r.log.Debug("heartbeat_sent", nil)
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep_failed", err, nil)
			}
		}
	}
}

// Sweep purges every instance other than this one whose last heartbeat is
// older than staleAfter. It returns the number of connections removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.sockets.StaleInstances(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale instances: %w", err)
	}
	total := 0
	for _, id := range stale {
		if id == r.instanceID {
			continue
		}
		n, err := r.sockets.PurgeInstance(ctx, id)
		if err != nil {
			return total, fmt.Errorf("failed to purge instance %s: %w", id, err)
		}
		total += n
		metrics.StaleConnectionsPurged.Add(float64(n))
		r.log.Info("stale_instance_purged", map[string]any{"stale_instance": id, "count": n})
	}
	return total, nil
}

// Stop removes this instance and its connections from the registry.
func (r *Reaper) Stop(ctx context.Context) error {
	n, err := r.sockets.PurgeInstance(ctx, r.instanceID)
	if err != nil {
		return fmt.Errorf("failed to set instance offline: %w", err)
	}
	r.log.Info("instance_offline", map[string]any{"count": n})
	return nil
}
