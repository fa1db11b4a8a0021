/*
Package bus implements the Vextir event bus: typed pub/sub with wildcard
subjects, publish-time deduplication, bounded replay history, orphan
detection, and a dead-letter store for failed handlers.

# Architecture

	┌───────────────────── EVENT BUS ──────────────────────┐
	│                                                       │
	│  Publish ──► TTL check ──► dedup cache ──► history    │
	│                 │              │                      │
	│              dropped        dropped                   │
	│                                                       │
	│  subscriber snapshot ──► none? ──► orphan ring        │
	│         │                                             │
	│         ▼                                             │
	│  bounded delivery queue ──► worker pool ──► handlers  │
	│                                   │                   │
	│                            failure/panic              │
	│                                   ▼                   │
	│                          dead-letter store            │
	└───────────────────────────────────────────────────────┘

Delivery is at-least-once for handled messages and at-most-once for
deduplicated ones. Per-subject FIFO holds only for a single-subscriber
consumer; cross-subscription ordering is not guaranteed (conversation
ordering lives in pkg/conversation).

# Subjects and Filters

Subjects are dotted strings; "*" matches one segment, and the bare
subject "*" matches everything. Subscriptions may add a dotted-path
filter evaluated with gjson against the canonical envelope:

	id, _ := b.Subscribe("llm.*", handler,
		bus.WithFilter(map[string]string{"metadata.session_id": "s1"}))

# Failure Semantics

Publish-path errors (bus stopped, queue full, TTL expired) return
synchronously to the publisher. Delivery-path errors never do: failed
handlers park the event in the dead-letter store, which is the
remediation surface; the subscription itself is retained.

# Providers

LocalBus is the in-process reference implementation. RedisBus carries
the same contract over Redis Pub/Sub for multi-process development
setups: publish-side dedup through SETNX, subject channels per topic,
and process-local orphan/dead-letter/history stores.

All bounded stores (dedup cache, history ring, orphan ring, dead-letter
store) evict oldest-first. The orphan ring and dead-letter store export
eviction counters via pkg/metrics; dedup cache and history ring
evictions are not counted.
*/
package bus
