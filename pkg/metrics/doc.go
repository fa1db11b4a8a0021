/*
Package metrics exposes Prometheus collectors for the Vextir runtime.

All collectors are package-level and registered in init, following the
usual promauto-less idiom: import the package, increment the counters,
and mount Handler() wherever the process serves HTTP.

# Collector Groups

Event bus:
  - vextir_events_published_total / delivered / deduplicated / expired
  - vextir_events_orphaned_total and vextir_orphan_evictions_total
  - vextir_dead_letter_events and vextir_dead_letter_evictions_total
  - vextir_handler_duration_seconds, vextir_handler_failures_total

Processor and registries:
  - vextir_processor_events_total, vextir_processor_errors_total
  - vextir_driver_handle_duration_seconds, vextir_drivers_registered
  - vextir_model_usage_cost_dollars_total

Conversation, resilience and API:
  - vextir_conversation_sessions_active, vextir_conversation_turns_total
  - vextir_breaker_state, vextir_breaker_rejections_total
  - vextir_provider_healthy
  - vextir_api_requests_total, vextir_api_request_duration_seconds

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(subject))
	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
*/
package metrics
