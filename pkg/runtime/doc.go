/*
Package runtime composes the Vextir core into one executable unit.

# Composition

New builds the dependency chain leaves-first from RuntimeConfig:

	storage provider ──┐
	event bus provider ┼─► resilience wrappers (breakers + monitor)
	serverless host  ──┘            │
	                                ▼
	registries ─► conversation manager ─► universal processor ("*")

Provider choices are by name: storage "memory"|"bolt", event bus
"local"|"redis", serverless "local". With resilience enabled, storage
and bus are wrapped in circuit breakers registered with the health
monitor before anything else sees them.

# Lifecycle

Start brings up the bus, ensures the well-known containers, starts the
health monitor and conversation sweep, initializes drivers in
registration order (a failing Required driver aborts), attaches the
processor, and starts the event monitor. Shutdown reverses it with a
bounded 30s drain of in-flight handlers; all errors except internal
ones are absorbed and logged.

There are no process-wide singletons: every Runtime value is fully
isolated, which is how tests construct throwaway runtimes.
*/
package runtime
