/*
Package gateway is the HTTP façade of the control plane. Every external
caller talks to it; the backends behind it are never exposed.

# Routes

	GET  /health                       static liveness, no auth
	GET  /vx11/health                  readiness, no auth
	GET  /vx11/status                  window, backend health and routing table
	POST /vx11/intent                  route one intent, returns an IntentOutcome
	GET  /vx11/result/{correlationId}  stored outcome, 410 once past retention
	POST /vx11/window/open             {target|services, ttlSeconds|hold, reason}
	POST /vx11/window/close            {reason}
	GET  /vx11/window/status           state plus ttlRemainingSeconds
	GET  /vx11/window/history          ?limit=N recent transitions
	POST /vx11/window/verify           {token} capability token check
	GET  /operator/api/events          SSE, or WebSocket on upgrade
	POST /operator/api/events/ticket   short-lived stream credential
	GET  /metrics                      Prometheus exposition

Everything except the first three routes requires the shared token header.
The event stream also accepts ?token=, holding either a ticket from
/operator/api/events/ticket or the shared token.

# Errors

Every failure is rendered as an apierr.Envelope carrying the request's
correlation id, which is also echoed in the correlation header. Unknown
paths answer 404 and known paths with the wrong method answer 405, both
with kind not_found.

# Middleware

Requests pass through, in order: panic recovery, correlation id, security
headers, request metrics, tracing, a per-IP token bucket and a 1 MiB body
limit. Authentication wraps only the protected group.
*/
package gateway
