package storage

import (
	"errors"

	"github.com/vx11/vx11/pkg/types"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("storage: store is closed")

// Store persists the window manager's transition log and state snapshot.
// Append writes both in one transaction so a crash never leaves the
// snapshot ahead of or behind the log.
type Store interface {
	// Append assigns rec.Seq, appends rec to the log and replaces the snapshot
	Append(rec *types.Transition, snapshot types.WindowState) error

	// Snapshot returns the last written state, or nil if none was written yet
	Snapshot() (*types.WindowState, error)

	// Transitions returns up to limit most recent records, oldest first.
	// limit <= 0 returns the whole log.
	Transitions(limit int) ([]*types.Transition, error)

	Close() error
}
