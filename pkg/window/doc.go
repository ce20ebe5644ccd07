/*
Package window owns the VX11 policy register: whether the fleet is in solo
mode, where only always-on targets are reachable, or inside a time-bounded
window that also admits a named set of gated targets.

# State machine

	(start) ──► solo ◄──── expire / close ──┐
	             │                          │
	             │ open                     │
	             ▼                          │
	          windowed ─────────────────────┘
	             │
	             └── open while windowed ⇒ ErrAlreadyOpen

Every transition bumps WindowState.Version and is appended to the durable
transition log together with a snapshot of the new state, in one storage
transaction. On restart the snapshot is loaded; a window whose deadline
passed while the process was down is expired with reason
"expired_while_down".

# Concurrency

All transitions take one mutex. Readers load an immutable snapshot through
an atomic pointer and never block on writers.

# Expiry

A single loop ticks every Config.ExpiryTick and calls ExpireIfDue. Policy
reads that observe a passed deadline call ExpireIfDue as well, so a window
closes no later than deadline + ExpiryTick and no read after the deadline
is ever allowed. Expiry happens in memory even when it cannot be persisted.

Time comes from a clock.Clock and Manager.Now is a high-water mark: a wall
clock step backwards freezes time instead of reviving an expired window.

# Capability tokens

With a Signer configured, Open returns one signed token per service. A
backend can verify it offline with the signer's public key or ask the
manager through VerifyToken, which additionally rejects tokens of a window
that has since been closed.
*/
package window
