/*
Package log configures the runtime's zerolog root and derives the
loggers components carry.

Call Init once at process start, then take component children:

	log.Init(log.Options{Level: "info"})
	logger := log.WithComponent("event-bus")
	logger.Info().Str("subject", "llm.chat").Msg("Subscribed")

Per-delivery lines annotate themselves with an event's identity and its
reserved metadata (session, request, correlation, turn) in one step:

	log.ForEvent(logger, event).Warn().Err(err).Msg("Handler failed")

Console output is the default; Options.JSON switches to JSON lines for
production.
*/
package log
