/*
Package health provides the probes used to decide whether a VX11 backend is
reachable.

Two checkers implement Checker:

  - HTTPChecker issues a GET against the backend's health path and treats
    2xx and 3xx as healthy. Redirects are not followed.
  - TCPChecker dials the backend's address, for backends that expose no
    health path.

Every failed Result carries a Reason drawn from a small closed set
(timeout, connection_refused, dns, canceled, network, status_<code>). The
backend client uses Categorize for its own call errors so probe failures
and call failures are reported with the same vocabulary.

Verdict smooths a stream of results: a backend is marked unhealthy only
after Config.Retries consecutive failures, and Observe reports when the
verdict flips so callers can publish a single change event.
*/
package health
