/*
Package storage persists the window manager's durable state.

Two buckets live in <dataDir>/vx11.db:

	transitions   big-endian sequence -> JSON types.Transition (append-only)
	snapshot      "current"           -> JSON types.WindowState

Every transition is written together with the resulting snapshot in a single
bbolt update transaction. Restart reads only the snapshot; the log exists for
operators and for vx11-statedump, and is never replayed.

MemoryStore implements the same interface without durability, for tests and
for gateways started with an empty data directory.
*/
package storage
