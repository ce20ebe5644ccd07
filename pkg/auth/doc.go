// Package auth implements caller authentication for the gateway: the
// constant-time shared token Validator and short-lived stream tickets for
// the event endpoint.
package auth
