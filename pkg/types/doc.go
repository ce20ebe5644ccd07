/*
Package types defines the domain model shared across VX11 packages.

The model is deliberately small:

  - Target: the closed list of backends (madre, switch, hermes, spawner,
    hormiguero, manifestator) plus their Gating class (always_on or window).
  - Intent and Outcome: the request and result of one unit of work routed
    through the gateway.
  - WindowState: the policy register. It is tagged by WindowMode; a solo
    state carries only a version, a windowed state carries the window id,
    services, open time and deadline (nil deadline means an operator hold).
  - Transition: one append-only record of the window history.

JSON tags on these types are the wire format of the HTTP surface and of the
durable state file. Conversion to and from JSON happens at the gateway edge
and in the storage layer; every other package works with the typed values.
*/
package types
