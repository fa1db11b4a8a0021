/*
Package registry maintains the three runtime registries: drivers, tools,
and models with their usage ledger.

All three share the same concurrency discipline: writers hold a short
mutex while swapping a copy-on-write snapshot, readers load the current
snapshot without locking. Routing (Route), planner views, and catalog
lookups therefore never contend with registration.

# Driver Routing

Route returns every driver whose declared capability matches the event
type, ordered by prefix depth, deepest first (a driver declaring
"llm.chat.tool" is placed before one declaring "llm.chat" for an
"llm.chat.tool" event), with manifest priority breaking ties at equal
depth.

# Tool Views

The tool registry exposes the full runtime spec (including approval and
sandbox policies) and a reduced planner view carrying only id, name and
the input schema. Parameter schemas are compiled with
santhosh-tekuri/jsonschema at registration and enforced by ValidateArgs.

# Model Catalog and Usage

The model registry boots with a small hard-coded catalog of common
models and their per-1k-token costs. TrackUsage feeds both an in-memory
ledger (aggregated by UsageStats) and, when a document store is
attached, the persistent "usage" container partitioned by user.
*/
package registry
