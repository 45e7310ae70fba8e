package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"agent-gateway/internal/model"
)

var (
	bucketAgents = []byte("agents")
	bucketAssets = []byte("assets")
	bucketMeta   = []byte("meta")
	keySeed      = []byte("seed")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketAssets, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, out any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func del(tx *bolt.Tx, bucket []byte, key string) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	if b.Get([]byte(key)) == nil {
		return ErrNotFound
	}
	return b.Delete([]byte(key))
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil // no bucket = no entries
		}
		out = make([]*T, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveAgent(agent *model.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("save agent: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAgents, agent.ID, agent)
	})
}

func (s *BoltStore) GetAgent(id string) (*model.Agent, error) {
	var agent model.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketAgents, id, &agent)
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *BoltStore) DeleteAgent(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return del(tx, bucketAgents, id)
	})
	if err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) ListAgents() ([]*model.Agent, error) {
	return list[model.Agent](s.db, bucketAgents)
}

func (s *BoltStore) SaveAsset(asset *model.Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("save asset: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAssets, asset.ID, asset)
	})
}

func (s *BoltStore) GetAsset(id string) (*model.Asset, error) {
	var asset model.Asset
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketAssets, id, &asset)
	})
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", id, err)
	}
	return &asset, nil
}

func (s *BoltStore) DeleteAsset(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return del(tx, bucketAssets, id)
	})
	if err != nil {
		return fmt.Errorf("asset %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) ListAssets() ([]*model.Asset, error) {
	return list[model.Asset](s.db, bucketAssets)
}

func (s *BoltStore) UpdateAsset(id string, fn func(asset *model.Asset) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var asset model.Asset
		if err := get(tx, bucketAssets, id, &asset); err != nil {
			return err
		}
		if err := fn(&asset); err != nil {
			return err
		}
		return put(tx, bucketAssets, id, &asset)
	})
	if err != nil {
		return fmt.Errorf("asset %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) UpdateAttribute(ref model.AttributeRef, value any, ts time.Time) error {
	return s.UpdateAsset(ref.EntityID, func(asset *model.Asset) error {
		attr := asset.Attribute(ref.Name)
		if attr == nil {
			return fmt.Errorf("attribute %s: %w", ref.Name, ErrNotFound)
		}
		attr.Value = value
		attr.Timestamp = ts
		return nil
	})
}

func (s *BoltStore) MarkSeeded(source string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketMeta, string(keySeed), seedState{Source: source, SeededAt: time.Now().UTC()})
	})
}

func (s *BoltStore) Seeded() (bool, error) {
	var st seedState
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketMeta, string(keySeed), &st)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed state: %w", err)
	}
	return true, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
