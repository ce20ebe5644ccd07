/*
Package backend implements the typed HTTP client for one VX11 backend and
the monitor that keeps their health verdicts fresh.

A Client is created per remote target. Call posts a JSON body to a path,
propagates the correlation id header, and bounds the exchange with the
target's timeout. It never retries; retry policy belongs to the router.
Every failure is a *CallError whose Kind tells the router what happened:

	timeout              deadline hit before a response       transient
	connection_refused   nothing accepted the connection      transient
	network              any other transport failure
	client_status        backend answered 4xx                 body kept verbatim
	server_status        backend answered 5xx                 body kept verbatim
	malformed            2xx with a body that is not JSON

Health probes use pkg/health: an HTTP GET on the health path when one is
configured, a TCP dial otherwise.

Monitor runs the probes on an interval, concurrently, and caches the last
verdict per target. The gateway's status endpoint reads Monitor.Snapshot,
so it answers immediately even while a backend is hanging.
*/
package backend
