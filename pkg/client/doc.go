/*
Package client is a Go client for the VX11 gateway's HTTP API.

The CLI uses it for every operational command; automation agents can use it
the same way. All calls carry the shared token and a correlation id, so each
request can be traced through the gateway logs and the event stream.

# Architecture

	┌──────────────────── APPLICATION CODE ─────────────────────┐
	│                                                             │
	│  c, err := client.New("http://127.0.0.1:8000", token)       │
	│  st, err := c.WindowStatus(ctx)                             │
	│                                                             │
	└──────────────────┬──────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ──────────────────────────┐
	│  - token and correlation headers                             │
	│  - per-call timeout (default 10s)                            │
	│  - envelope decoding into *APIError                          │
	│  - SSE decoding for TailEvents                               │
	└──────────────────┬──────────────────────────────────────────┘
	                   │ HTTP/JSON
	                   ▼
	            VX11 gateway (pkg/gateway)

# Usage

Opening a window and routing through it:

	c, err := client.New(url, token)
	if err != nil {
		return err
	}
	ttl := int64(300)
	w, err := c.OpenWindow(ctx, gateway.OpenWindowRequest{
		Target:     types.TargetSwitch,
		TTLSeconds: &ttl,
		Reason:     "model rollout",
	})
	if err != nil {
		return err
	}
	fmt.Println("window", w.WindowID, "until", w.Deadline)

	outcome, err := c.SendIntent(ctx, &types.Intent{
		Kind:    types.IntentChat,
		Text:    "hello",
		Require: map[types.Target]bool{types.TargetSwitch: true},
	})

Following the event stream:

	err := c.TailEvents(ctx, func(e *events.Event) error {
		fmt.Println(e.Type, e.Summary)
		return nil
	})

# Errors

Failures to reach the gateway wrap ErrUnavailable. Any non-2xx answer is
an *APIError: Envelope holds the gateway's error document, or Outcome holds
the intent outcome when a backend rejected the call with a 4xx.

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Kind() == apierr.KindAlreadyOpen {
		// someone else holds the window
	}
*/
package client
