/*
Package api serves the HTTP edge of the runtime.

Routes:

	POST /events            publish one event envelope
	POST /events/batch      publish an array, per-index results
	GET  /events/stream     Server-Sent Events, ?subject= pattern filter
	GET  /events/orphaned   orphan records + monitor summary
	GET  /events/deadletter dead-letter records
	GET  /status            runtime status (drivers, providers, health)
	GET  /healthz           processing health, 503 when unhealthy
	GET  /metrics           Prometheus

Authentication and RBAC are boundary concerns handled outside the core:
the edge propagates the opaque X-User-ID header into event user_id and
trusts it. A per-client token bucket (x/time/rate) bounds request rates
when api.rate_limit is set.
*/
package api
