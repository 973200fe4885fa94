package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"live-kitchen/internal/domain"
)

var (
	bucketSockets   = []byte("sockets")
	bucketEntities  = []byte("socket_entities")
	bucketInterests = []byte("socket_interests")
	bucketInstances = []byte("instances")
)

const keySep = "\x00"

// BoltSockets persists the registry in a local bbolt file. It survives a
// restart of a single instance; it cannot be shared between processes.
type BoltSockets struct {
	db *bolt.DB
}

func NewBoltSockets(path string) (*BoltSockets, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSockets, bucketEntities, bucketInterests, bucketInstances} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSockets{db: db}, nil
}

// validKeyParts rejects ids that would bleed into a neighbouring key.
func validKeyParts(parts ...string) error {
	for _, p := range parts {
		if strings.Contains(p, keySep) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, p)
		}
	}
	return nil
}

func entityIndexKey(role domain.Role, entityID, connectionID string) []byte {
	return []byte(string(role) + keySep + entityID + keySep + connectionID)
}

func entityPrefix(role domain.Role, entityID string) []byte {
	return []byte(string(role) + keySep + entityID + keySep)
}

func interestKey(connectionID, restaurantID string) []byte {
	return []byte(connectionID + keySep + restaurantID)
}

func interestPrefix(connectionID string) []byte {
	return []byte(connectionID + keySep)
}

func (s *BoltSockets) AddSocket(_ context.Context, c domain.Connection) error {
	if err := validKeyParts(c.ID, c.EntityID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSockets)
		if raw := b.Get([]byte(c.ID)); raw != nil {
			var existing domain.Connection
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.SameIdentity(c) {
				return nil
			}
			return ErrDuplicateConnection
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(c.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketEntities).Put(entityIndexKey(c.Role, c.EntityID, c.ID), nil)
	})
}

func (s *BoltSockets) RemoveSocket(_ context.Context, connectionID string) (domain.Connection, error) {
	var c domain.Connection
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = removeSocketTx(tx, connectionID)
		return err
	})
	return c, err
}

func removeSocketTx(tx *bolt.Tx, connectionID string) (domain.Connection, error) {
	var c domain.Connection
	b := tx.Bucket(bucketSockets)
	raw := b.Get([]byte(connectionID))
	if raw == nil {
		return c, ErrNotFound
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	if err := b.Delete([]byte(connectionID)); err != nil {
		return c, err
	}
	if err := tx.Bucket(bucketEntities).Delete(entityIndexKey(c.Role, c.EntityID, c.ID)); err != nil {
		return c, err
	}

	ib := tx.Bucket(bucketInterests)
	prefix := interestPrefix(connectionID)
	var keys [][]byte
	cur := ib.Cursor()
	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := ib.Delete(k); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (s *BoltSockets) GetSocket(_ context.Context, connectionID string) (domain.Connection, error) {
	var c domain.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSockets).Get([]byte(connectionID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

func (s *BoltSockets) SocketsFor(_ context.Context, role domain.Role, entityID string) ([]string, error) {
	out := []string{}
	prefix := entityPrefix(role, entityID)
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketEntities).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (s *BoltSockets) AddInterest(_ context.Context, connectionID, restaurantID string) error {
	if err := validKeyParts(connectionID, restaurantID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSockets).Get([]byte(connectionID))
		if raw == nil {
			return ErrNotFound
		}
		var c domain.Connection
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if c.Role != domain.CustomerConnection {
			return ErrNotCustomerConnection
		}
		return tx.Bucket(bucketInterests).Put(interestKey(connectionID, restaurantID), nil)
	})
}

func (s *BoltSockets) InterestsOf(_ context.Context, connectionID string) ([]string, error) {
	out := []string{}
	prefix := interestPrefix(connectionID)
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketInterests).Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (s *BoltSockets) Heartbeat(_ context.Context, instanceID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v, err := at.UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put([]byte(instanceID), v)
	})
}

func (s *BoltSockets) StaleInstances(_ context.Context, seenBefore time.Time) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var seen time.Time
			if err := seen.UnmarshalText(v); err != nil {
				return err
			}
			if seen.Before(seenBefore) {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltSockets) PurgeInstance(_ context.Context, instanceID string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var owned []string
		err := tx.Bucket(bucketSockets).ForEach(func(k, v []byte) error {
			var c domain.Connection
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.InstanceID == instanceID {
				owned = append(owned, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range owned {
			if _, err := removeSocketTx(tx, id); err != nil {
				return err
			}
			n++
		}
		return tx.Bucket(bucketInstances).Delete([]byte(instanceID))
	})
	return n, err
}

func (s *BoltSockets) Close() error {
	return s.db.Close()
}
