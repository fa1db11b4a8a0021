package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vextir/lightning/pkg/types"
)

// MemoryStore is the in-process reference storage provider. It is the
// default for local mode and the baseline all other providers must
// match behaviorally.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string]*Document // container -> docKey -> doc
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]map[string]*Document),
	}
}

func docKey(id, partitionKey string) string {
	return partitionKey + "\x00" + id
}

// EnsureContainer creates a container if it does not exist.
func (s *MemoryStore) EnsureContainer(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		s.containers[name] = make(map[string]*Document)
	}
	return nil
}

func (s *MemoryStore) container(name string) (map[string]*Document, error) {
	c, ok := s.containers[name]
	if !ok {
		return nil, fmt.Errorf("container %q: %w", name, types.ErrNotFound)
	}
	return c, nil
}

// Get returns a document by id within a partition.
func (s *MemoryStore) Get(ctx context.Context, container, id, partitionKey string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.container(container)
	if err != nil {
		return nil, err
	}
	doc, ok := c[docKey(id, partitionKey)]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", container, id, types.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// Create inserts a new document. Creating an existing id is a conflict.
func (s *MemoryStore) Create(ctx context.Context, container string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.container(container)
	if err != nil {
		return err
	}
	key := docKey(doc.ID, doc.PartitionKey)
	if _, exists := c[key]; exists {
		return fmt.Errorf("document %s/%s already exists: %w", container, doc.ID, types.ErrConflict)
	}
	stored := cloneDoc(doc)
	stored.Version = 1
	stored.UpdatedAt = time.Now().UTC()
	c[key] = stored
	doc.Version = stored.Version
	return nil
}

// Update replaces a document. A non-zero incoming version must match
// the stored version, else conflict.
func (s *MemoryStore) Update(ctx context.Context, container string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.container(container)
	if err != nil {
		return err
	}
	key := docKey(doc.ID, doc.PartitionKey)
	current, exists := c[key]
	if !exists {
		return fmt.Errorf("document %s/%s: %w", container, doc.ID, types.ErrNotFound)
	}
	if doc.Version != 0 && doc.Version != current.Version {
		return fmt.Errorf("document %s/%s version %d != %d: %w",
			container, doc.ID, doc.Version, current.Version, types.ErrConflict)
	}
	stored := cloneDoc(doc)
	stored.Version = current.Version + 1
	stored.UpdatedAt = time.Now().UTC()
	c[key] = stored
	doc.Version = stored.Version
	return nil
}

// Delete removes a document. Removing a missing document is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, container, id, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.container(container)
	if err != nil {
		return err
	}
	delete(c, docKey(id, partitionKey))
	return nil
}

// Query returns documents matching the predicate, optionally scoped to
// a partition, ordered and limited.
func (s *MemoryStore) Query(ctx context.Context, container string, pred Predicate, opts QueryOptions) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.container(container)
	if err != nil {
		return nil, err
	}

	var results []*Document
	for _, doc := range c {
		if opts.PartitionKey != "" && doc.PartitionKey != opts.PartitionKey {
			continue
		}
		if !matchesPredicate(doc, pred) {
			continue
		}
		results = append(results, cloneDoc(doc))
	}

	sortDocs(results, opts.OrderBy)

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// HealthCheck always reports healthy; the memory store has no failure modes.
func (s *MemoryStore) HealthCheck(ctx context.Context) HealthCheckResult {
	start := time.Now()
	return HealthCheckResult{
		Healthy:   true,
		Status:    "healthy",
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = make(map[string]map[string]*Document)
	return nil
}

func cloneDoc(doc *Document) *Document {
	c := *doc
	if doc.Attributes != nil {
		c.Attributes = make(map[string]any, len(doc.Attributes))
		for k, v := range doc.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

func sortDocs(docs []*Document, orderBy string) {
	if orderBy == "" {
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
		return
	}
	desc := strings.HasPrefix(orderBy, "-")
	field := strings.TrimPrefix(orderBy, "-")
	sort.Slice(docs, func(i, j int) bool {
		less := lessAttr(docs[i].Attributes[field], docs[j].Attributes[field])
		if desc {
			return !less
		}
		return less
	})
}

func lessAttr(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af < bf
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}
