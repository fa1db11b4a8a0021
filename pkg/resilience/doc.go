/*
Package resilience guards cross-boundary calls with per-resource circuit
breakers and a provider health monitor.

# Circuit Breaker

Each named resource gets a three-state breaker:

	closed ──(failure_threshold consecutive failures)──► open
	open ──(timeout elapsed, first call)──► half-open
	half-open ──(success_threshold successes)──► closed
	half-open ──(any failure)──► open

While open, calls fail fast with types.ErrCircuitOpen. Half-open admits
at most half_open_requests concurrent probes. Transitions are atomic
under the per-resource mutex.

# Health Monitor

The monitor polls every registered provider on a fixed interval and
feeds the result into that provider's breaker: an unhealthy poll counts
as a failure, so a dead provider trips its breaker even with no traffic.
ProviderStatus returns the combined health record (status, latency,
rolling score) and breaker snapshot.

# Wrappers

ResilientStore and ResilientBus expose the same interfaces as the
providers they wrap. ResilientStore routes every call, reads included,
through the breaker; ResilientBus routes only the publish path.
The wrapper is transparent: callers cannot tell a wrapped provider from
a bare one until the circuit opens.
*/
package resilience
