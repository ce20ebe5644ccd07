/*
Package log provides structured logging for VX11 using zerolog.

A single package-level zerolog.Logger is configured once at startup via Init
and shared by every component. Components derive child loggers that carry a
fixed field so log lines can be filtered by origin:

	logger := log.WithComponent("window")
	logger.Info().Str("window_id", id).Msg("window opened")

Request-scoped code layers the correlation id on top of a component logger:

	reqLog := log.WithCorrelationID(logger, cid)
	reqLog.Debug().Str("target", "switch").Msg("routing decision")

Every log record emitted while serving a request carries correlation_id, so a
single request can be followed from the gateway through the router to the
outbound call.

# Configuration

	log.Init(log.Config{
	    Level:      log.InfoLevel,
	    JSONOutput: true,
	    Output:     os.Stderr,
	})

Console output (the default) is meant for operators at a terminal; JSON output
is meant for log shippers. Until Init runs the logger is a no-op, which keeps
package tests quiet.

# Severity conventions

  - debug: caller errors (validation, unknown intent kind)
  - info: auth rejections, policy denials, window transitions
  - warn: upstream failures, degraded outcomes, dropped stream subscribers
  - error: internal errors and persistence failures
*/
package log
