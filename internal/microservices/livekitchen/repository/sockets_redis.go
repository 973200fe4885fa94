package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"live-kitchen/internal/domain"
)

const watchRetries = 5

// RedisSockets is a shared registry backend on Redis. Layout under prefix:
//
//	socket:<id>           hash  role, entity_id, instance_id, connected_at
//	entity:<role>:<id>    set   connection ids
//	interests:<id>        set   restaurant ids
//	instance:<id>         set   connection ids owned by the instance
//	instances             zset  instance id scored by last heartbeat (unix ms)
type RedisSockets struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSockets(rdb *redis.Client, prefix string) *RedisSockets {
	return &RedisSockets{rdb: rdb, prefix: prefix}
}

func (r *RedisSockets) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisSockets) socketKey(id string) string { return r.key("socket", id) }
func (r *RedisSockets) entityKey(role domain.Role, entityID string) string {
	return r.key("entity", string(role), entityID)
}
func (r *RedisSockets) interestsKey(id string) string { return r.key("interests", id) }
func (r *RedisSockets) instanceKey(id string) string  { return r.key("instance", id) }
func (r *RedisSockets) instancesKey() string          { return r.key("instances") }

// watch runs fn under WATCH on keys and retries when another client touched
// them first.
func (r *RedisSockets) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < watchRetries; i++ {
		err = r.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func decodeSocket(id string, h map[string]string) (domain.Connection, error) {
	if len(h) == 0 {
		return domain.Connection{}, ErrNotFound
	}
	c := domain.Connection{
		ID:         id,
		Role:       domain.Role(h["role"]),
		EntityID:   h["entity_id"],
		InstanceID: h["instance_id"],
	}
	if ms, err := strconv.ParseInt(h["connected_at"], 10, 64); err == nil {
		c.ConnectedAt = time.UnixMilli(ms).UTC()
	}
	return c, nil
}

func (r *RedisSockets) AddSocket(ctx context.Context, c domain.Connection) error {
	sk := r.socketKey(c.ID)
	connectedAt := c.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}
	return r.watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, sk).Result()
		if err != nil {
			return err
		}
		if existing, err := decodeSocket(c.ID, h); err == nil {
			if existing.SameIdentity(c) {
				return nil
			}
			return ErrDuplicateConnection
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sk,
				"role", string(c.Role),
				"entity_id", c.EntityID,
				"instance_id", c.InstanceID,
				"connected_at", strconv.FormatInt(connectedAt.UnixMilli(), 10),
			)
			pipe.SAdd(ctx, r.entityKey(c.Role, c.EntityID), c.ID)
			if c.InstanceID != "" {
				pipe.SAdd(ctx, r.instanceKey(c.InstanceID), c.ID)
			}
			return nil
		})
		return err
	}, sk)
}

func (r *RedisSockets) RemoveSocket(ctx context.Context, connectionID string) (domain.Connection, error) {
	var removed domain.Connection
	sk := r.socketKey(connectionID)
	err := r.watch(ctx, func(tx *redis.Tx) error {
		h, err := tx.HGetAll(ctx, sk).Result()
		if err != nil {
			return err
		}
		c, err := decodeSocket(connectionID, h)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, sk, r.interestsKey(connectionID))
			pipe.SRem(ctx, r.entityKey(c.Role, c.EntityID), connectionID)
			if c.InstanceID != "" {
				pipe.SRem(ctx, r.instanceKey(c.InstanceID), connectionID)
			}
			return nil
		})
		if err == nil {
			removed = c
		}
		return err
	}, sk)
	return removed, err
}

func (r *RedisSockets) GetSocket(ctx context.Context, connectionID string) (domain.Connection, error) {
	h, err := r.rdb.HGetAll(ctx, r.socketKey(connectionID)).Result()
	if err != nil {
		return domain.Connection{}, fmt.Errorf("failed to get socket: %w", err)
	}
	return decodeSocket(connectionID, h)
}

func (r *RedisSockets) SocketsFor(ctx context.Context, role domain.Role, entityID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.entityKey(role, entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query sockets: %w", err)
	}
	return ids, nil
}

func (r *RedisSockets) AddInterest(ctx context.Context, connectionID, restaurantID string) error {
	sk := r.socketKey(connectionID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		role, err := tx.HGet(ctx, sk, "role").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if domain.Role(role) != domain.CustomerConnection {
			return ErrNotCustomerConnection
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, r.interestsKey(connectionID), restaurantID)
			return nil
		})
		return err
	}, sk)
}

func (r *RedisSockets) InterestsOf(ctx context.Context, connectionID string) ([]string, error) {
	return r.rdb.SMembers(ctx, r.interestsKey(connectionID)).Result()
}

func (r *RedisSockets) Heartbeat(ctx context.Context, instanceID string, at time.Time) error {
	return r.rdb.ZAdd(ctx, r.instancesKey(), redis.Z{Score: float64(at.UnixMilli()), Member: instanceID}).Err()
}

func (r *RedisSockets) StaleInstances(ctx context.Context, seenBefore time.Time) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, r.instancesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(seenBefore.UnixMilli(), 10),
	}).Result()
}

func (r *RedisSockets) PurgeInstance(ctx context.Context, instanceID string) (int, error) {
	ids, err := r.rdb.SMembers(ctx, r.instanceKey(instanceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instance sockets: %w", err)
	}
	n := 0
	for _, id := range ids {
		_, err := r.RemoveSocket(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrNotFound):
		default:
			return n, err
		}
	}
	if err := r.rdb.Del(ctx, r.instanceKey(instanceID)).Err(); err != nil {
		return n, err
	}
	return n, r.rdb.ZRem(ctx, r.instancesKey(), instanceID).Err()
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisSockets) Close() error { return nil }
