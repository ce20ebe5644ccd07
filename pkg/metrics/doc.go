/*
Package metrics provides Prometheus metrics and component health for the VX11
gateway.

All collectors are package-level variables registered with the default
registry in init, so any package can record a sample without plumbing:

	metrics.PolicyDecisionsTotal.WithLabelValues("switch", "deny_solo").Inc()

	timer := metrics.NewTimer()
	resp, err := client.Call(ctx, path, body, opts)
	timer.ObserveDurationVec(metrics.UpstreamCallDuration, "switch")

# Series

	vx11_http_requests_total{route,method,code}       gateway traffic
	vx11_http_request_duration_seconds{route}         gateway latency
	vx11_auth_failures_total{reason}                  missing / invalid token
	vx11_rate_limited_total                           per-client limiter rejections
	vx11_intents_total{kind,mode,status}              routed intents
	vx11_policy_decisions_total{target,decision}      allow / deny_solo / deny_expired
	vx11_upstream_calls_total{target,result}          ok / timeout / connection_refused / ...
	vx11_upstream_call_duration_seconds{target}       backend latency
	vx11_backend_healthy{target}                      last probe result
	vx11_window_open                                  1 while windowed
	vx11_window_ttl_remaining_seconds                 sampled by Collector
	vx11_window_transitions_total{cause}              open / close / expire / restore
	vx11_window_persist_failures_total                durable write failures
	vx11_events_published_total{type}                 operator stream volume
	vx11_event_subscribers                            connected streams
	vx11_event_subscribers_dropped_total              slow consumers dropped

Route labels use the chi route pattern, never the raw path, so ids in
/vx11/result/{correlationId} do not explode cardinality.

# Component health

The health registry tracks named components. "window" and "storage" are
critical: readiness waits for them. Backends register as "backend:<target>"
and are advisory; an unhealthy backend turns GetHealth into "degraded" but
never makes the gateway unready, because the router can still serve
fallbacks.

The Handler is mounted behind authentication on /metrics.
*/
package metrics
