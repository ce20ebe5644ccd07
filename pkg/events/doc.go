/*
Package events provides the in-process pub/sub broker behind the operator
event stream.

Producers (the window manager, the intent router, the backend health
monitor) publish typed events; each stream connection subscribes with a
bounded queue.

	producer ──Publish──► Broker ──► sub A queue (cap N) ──► SSE client
	                         ├─────► sub B queue (cap N) ──► WebSocket client
	                         └─────► sub C queue FULL ──► dropped, C closed

# Delivery

Publish is synchronous and non-blocking. Under the broker lock it assigns a
sequence number, stamps the timestamp, then offers the event to every queue.
A subscriber whose queue is full is removed and its channel closed, so a
slow consumer can never stall a producer or the other consumers. The
consumer learns it was dropped through Subscription.Dropped.

Because delivery happens inside Publish, events from one goroutine reach
every subscriber in publish order. The router relies on this for the
causal order of a single correlation id:

	intent.routed → intent.upstream_request → intent.upstream_response → intent.completed

Heartbeats are not published through the broker. Each stream writes its own
heartbeat on a timer so idle connections are detected individually.
*/
package events
