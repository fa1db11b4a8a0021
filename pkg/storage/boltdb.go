package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vextir/lightning/pkg/types"
)

// BoltStore implements Store with file durability using BoltDB. One
// bucket per container; documents are keyed by partition key + id and
// stored as canonical JSON.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "vextir.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create the runtime's well-known containers
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ContainerSchedules, ContainerUsage} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// EnsureContainer creates a bucket for the container if missing.
func (s *BoltStore) EnsureContainer(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// Get returns a document by id within a partition.
func (s *BoltStore) Get(ctx context.Context, container, id, partitionKey string) (*Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(container))
		if b == nil {
			return fmt.Errorf("container %q: %w", container, types.ErrNotFound)
		}
		data := b.Get([]byte(docKey(id, partitionKey)))
		if data == nil {
			return fmt.Errorf("document %s/%s: %w", container, id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Create inserts a new document. Creating an existing id is a conflict.
func (s *BoltStore) Create(ctx context.Context, container string, doc *Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(container))
		if b == nil {
			return fmt.Errorf("container %q: %w", container, types.ErrNotFound)
		}
		key := []byte(docKey(doc.ID, doc.PartitionKey))
		if b.Get(key) != nil {
			return fmt.Errorf("document %s/%s already exists: %w", container, doc.ID, types.ErrConflict)
		}
		doc.Version = 1
		doc.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Update replaces a document with optimistic concurrency on Version.
func (s *BoltStore) Update(ctx context.Context, container string, doc *Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(container))
		if b == nil {
			return fmt.Errorf("container %q: %w", container, types.ErrNotFound)
		}
		key := []byte(docKey(doc.ID, doc.PartitionKey))
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("document %s/%s: %w", container, doc.ID, types.ErrNotFound)
		}
		var current Document
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if doc.Version != 0 && doc.Version != current.Version {
			return fmt.Errorf("document %s/%s version %d != %d: %w",
				container, doc.ID, doc.Version, current.Version, types.ErrConflict)
		}
		doc.Version = current.Version + 1
		doc.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// Delete removes a document. Removing a missing document is a no-op.
func (s *BoltStore) Delete(ctx context.Context, container, id, partitionKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(container))
		if b == nil {
			return fmt.Errorf("container %q: %w", container, types.ErrNotFound)
		}
		return b.Delete([]byte(docKey(id, partitionKey)))
	})
}

// Query scans the container bucket and filters by predicate.
func (s *BoltStore) Query(ctx context.Context, container string, pred Predicate, opts QueryOptions) ([]*Document, error) {
	var results []*Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(container))
		if b == nil {
			return fmt.Errorf("container %q: %w", container, types.ErrNotFound)
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if opts.PartitionKey != "" && doc.PartitionKey != opts.PartitionKey {
				return nil
			}
			if !matchesPredicate(&doc, pred) {
				return nil
			}
			results = append(results, &doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortDocs(results, opts.OrderBy)
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// HealthCheck verifies the database file is readable.
func (s *BoltStore) HealthCheck(ctx context.Context) HealthCheckResult {
	start := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error { return nil })
	result := HealthCheckResult{
		Healthy:   err == nil,
		Status:    "healthy",
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Status = "unhealthy"
		result.Error = err.Error()
	}
	return result
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
