/*
Package router maps intents onto backends.

Routing is a closed table keyed by intent kind. Each row names the targets
that may serve the kind (the first is the default), the backend path, and
whether the kind is idempotent. Callers narrow the choice with
Intent.Require but can never name a target outside the row.

For each intent the router:

 1. picks the target and evaluates policy for it,
 2. logs and publishes the routing decision,
 3. serves madre in process, or calls the remote target with at most one
    retry (transient failures of idempotent kinds only),
 4. degrades to the local fallback when policy or the backend says no and
    the kind has one, otherwise returns a typed error,
 5. stores the outcome and publishes its completion.

Events for one correlation id are published in causal order:
intent.routed, intent.upstream_request, intent.upstream_response,
intent.completed.

Backend answers are never reinterpreted. A 2xx body becomes the outcome's
response and a 4xx body its error, byte for byte.
*/
package router
