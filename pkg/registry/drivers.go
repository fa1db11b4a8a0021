package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/metrics"
	"github.com/vextir/lightning/pkg/types"
)

// DriverEntry pairs a manifest with its live instance and status.
type DriverEntry struct {
	Manifest driver.Manifest
	Instance driver.Driver
	Status   driver.Status
	Err      string
}

// DriverFilter narrows List results.
type DriverFilter struct {
	Kind       driver.Kind
	Capability string
	Status     driver.Status
}

type driverSnapshot struct {
	entries map[string]*DriverEntry
	ordered []*DriverEntry // registration order
}

// DriverRegistry maintains driver manifests and live instances.
// Writers hold the mutex while swapping a copy-on-write snapshot;
// readers load the snapshot lock-free.
type DriverRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[driverSnapshot]
	logger   zerolog.Logger
}

// NewDriverRegistry creates an empty driver registry.
func NewDriverRegistry() *DriverRegistry {
	r := &DriverRegistry{logger: log.WithComponent("driver-registry")}
	r.snapshot.Store(&driverSnapshot{entries: map[string]*DriverEntry{}})
	return r
}

func (r *DriverRegistry) load() *driverSnapshot {
	return r.snapshot.Load()
}

func (r *DriverRegistry) swap(mutate func(*driverSnapshot)) {
	cur := r.load()
	next := &driverSnapshot{
		entries: make(map[string]*DriverEntry, len(cur.entries)),
		ordered: make([]*DriverEntry, 0, len(cur.ordered)),
	}
	for _, e := range cur.ordered {
		copied := *e
		next.entries[e.Manifest.ID] = &copied
		next.ordered = append(next.ordered, &copied)
	}
	mutate(next)
	r.snapshot.Store(next)
}

// Register constructs a driver instance and records it with status
// Registered. Registering an existing id is a conflict.
func (r *DriverRegistry) Register(manifest driver.Manifest, construct driver.Constructor) error {
	if manifest.ID == "" || len(manifest.Capabilities) == 0 {
		return fmt.Errorf("register driver: %w: id and capabilities required", types.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.load().entries[manifest.ID]; exists {
		return fmt.Errorf("register driver %s: %w", manifest.ID, types.ErrConflict)
	}

	instance, err := construct()
	if err != nil {
		return fmt.Errorf("register driver %s: construct: %w", manifest.ID, err)
	}

	r.swap(func(s *driverSnapshot) {
		entry := &DriverEntry{
			Manifest: manifest,
			Instance: instance,
			Status:   driver.StatusRegistered,
		}
		s.entries[manifest.ID] = entry
		s.ordered = append(s.ordered, entry)
	})

	metrics.DriversRegistered.WithLabelValues(string(driver.StatusRegistered)).Inc()
	r.logger.Info().
		Str("driver_id", manifest.ID).
		Str("kind", string(manifest.Kind)).
		Strs("capabilities", manifest.Capabilities).
		Msg("Driver registered")
	return nil
}

// Unregister shuts the instance down and removes it. Idempotent.
func (r *DriverRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.load().entries[id]
	if !ok {
		return nil
	}
	if entry.Instance != nil {
		if err := entry.Instance.Shutdown(ctx); err != nil {
			r.logger.Warn().Err(err).Str("driver_id", id).Msg("Driver shutdown failed during unregister")
		}
	}

	r.swap(func(s *driverSnapshot) {
		delete(s.entries, id)
		for i, e := range s.ordered {
			if e.Manifest.ID == id {
				s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Get returns a driver entry by id.
func (r *DriverRegistry) Get(id string) (*DriverEntry, error) {
	entry, ok := r.load().entries[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, types.ErrNotFound)
	}
	return entry, nil
}

// List returns entries matching the filter in registration order.
func (r *DriverRegistry) List(filter DriverFilter) []*DriverEntry {
	var out []*DriverEntry
	for _, entry := range r.load().ordered {
		if filter.Kind != "" && entry.Manifest.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && entry.Manifest.HandlesType(filter.Capability) < 0 {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Route returns the drivers whose capabilities match the event type,
// longest capability prefix first, then manifest priority. Failed and
// stopped drivers are skipped; drivers in any other status are routed.
func (r *DriverRegistry) Route(eventType string) []*DriverEntry {
	type candidate struct {
		entry *DriverEntry
		depth int
	}
	var candidates []candidate
	for _, entry := range r.load().ordered {
		if entry.Status == driver.StatusFailed || entry.Status == driver.StatusStopped {
			continue
		}
		depth := entry.Manifest.HandlesType(eventType)
		if depth < 0 {
			continue
		}
		candidates = append(candidates, candidate{entry: entry, depth: depth})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].depth != candidates[j].depth {
			return candidates[i].depth > candidates[j].depth
		}
		return candidates[i].entry.Manifest.Priority > candidates[j].entry.Manifest.Priority
	})

	out := make([]*DriverEntry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

// InitializeAll initializes drivers in registration (dependency) order.
// Individual failures are recorded; only a Required driver aborts the
// sweep.
func (r *DriverRegistry) InitializeAll(ctx context.Context, rt driver.Runtime) error {
	for _, entry := range r.load().ordered {
		if entry.Status != driver.StatusRegistered {
			continue
		}
		err := entry.Instance.Initialize(ctx, rt)

		r.mu.Lock()
		r.swap(func(s *driverSnapshot) {
			e := s.entries[entry.Manifest.ID]
			if e == nil {
				return
			}
			if err != nil {
				e.Status = driver.StatusFailed
				e.Err = err.Error()
			} else {
				e.Status = driver.StatusRunning
			}
		})
		r.mu.Unlock()

		if err != nil {
			r.logger.Error().Err(err).Str("driver_id", entry.Manifest.ID).Msg("Driver initialization failed")
			if entry.Manifest.Required {
				return fmt.Errorf("initialize required driver %s: %w", entry.Manifest.ID, err)
			}
			continue
		}
		r.logger.Info().Str("driver_id", entry.Manifest.ID).Msg("Driver running")
	}
	return nil
}

// ShutdownAll stops all running drivers in reverse registration order.
func (r *DriverRegistry) ShutdownAll(ctx context.Context) {
	ordered := r.load().ordered
	for i := len(ordered) - 1; i >= 0; i-- {
		entry := ordered[i]
		if entry.Status != driver.StatusRunning && entry.Status != driver.StatusInitialized {
			continue
		}
		if err := entry.Instance.Shutdown(ctx); err != nil {
			r.logger.Warn().Err(err).Str("driver_id", entry.Manifest.ID).Msg("Driver shutdown failed")
		}
		r.mu.Lock()
		r.swap(func(s *driverSnapshot) {
			if e := s.entries[entry.Manifest.ID]; e != nil {
				e.Status = driver.StatusStopped
			}
		})
		r.mu.Unlock()
	}
}

// MarkFailed transitions a driver to Failed with the given cause.
func (r *DriverRegistry) MarkFailed(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(s *driverSnapshot) {
		if e := s.entries[id]; e != nil {
			e.Status = driver.StatusFailed
			if cause != nil {
				e.Err = cause.Error()
			}
		}
	})
}
