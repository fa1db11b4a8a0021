/*
Package storage provides key-addressable document storage for the Vextir
runtime: container (namespace) management, partitioned CRUD with
optimistic concurrency, and simple equality/prefix queries.

# Architecture

Two reference providers implement the Store contract:

	┌──────────────── STORE CONTRACT ────────────────┐
	│  EnsureContainer / Get / Create / Update /      │
	│  Delete / Query / HealthCheck / Close           │
	├────────────────────────────────────────────────┤
	│  MemoryStore          │  BoltStore              │
	│  - pure in-memory     │  - bbolt file-backed    │
	│  - per-store RWMutex  │  - bucket per container │
	│  - default in local   │  - used when            │
	│    mode               │    storage_path is set  │
	└────────────────────────────────────────────────┘

Any external key/value or document store can be pinned behind the same
contract; the resilience layer wraps whichever provider the runtime
composes.

# Contract

Create of an existing id and Update with a stale Version both surface
types.ErrConflict. Delete is idempotent. Queries are read-your-write
within the process. Documents are attribute maps; the well-known
containers "schedules" (pk=user_id) and "usage" (pk=user_id) are
created at boot.
*/
package storage
