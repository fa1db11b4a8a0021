/*
Package types defines the core data structures used throughout the Vextir
runtime: the canonical event envelope, subject matching, priorities, and
the error taxonomy.

This package has no dependencies on other runtime packages; everything
else imports types from here.

# Event Envelope

Every message moved through the bus is an Event:

	{
	  "id": "00177c3a9f2e4b10-9f1c22ab",
	  "type": "llm.chat",
	  "timestamp": "2026-01-12T08:30:00Z",
	  "source": "cli",
	  "user_id": "u-123",
	  "data": { "messages": [ ... ] },
	  "metadata": { "session_id": "s1", "request_id": "r1" }
	}

IDs are lexicographically time-ordered (hex nanoseconds plus a random
suffix) so history scans sort chronologically. Reserved metadata keys
(session_id, correlation_id, request_id, turn_number, idempotency_key,
ttl_seconds, priority) have typed accessors; everything else is opaque
to the core.

# Subjects

Event types are dotted strings. Subscription subjects match either
literally or with "*" as a single-segment wildcard ("llm.*" matches
"llm.chat" but not "llm.chat.response"). The bare subject "*" matches
everything.

# Errors

Error kinds are package-level sentinels classified with errors.Is.
ErrorKind maps any error back to its taxonomy name for metrics and the
dead-letter store.
*/
package types
