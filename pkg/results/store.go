// Package results keeps intent outcomes around for a bounded retention
// period so callers can fetch them by correlation id after the fact.
//
// An outcome is returned while younger than the retention period. For a
// second retention period its id is still remembered and lookups report
// ErrExpired (rendered as 410 gone); after that the id is unknown.
package results

import (
	"context"
	"errors"

	"github.com/vx11/vx11/pkg/types"
)

var (
	// ErrNotFound means the id was never stored or has been forgotten
	ErrNotFound = errors.New("outcome not found")

	// ErrExpired means the outcome existed but is past retention
	ErrExpired = errors.New("outcome expired")
)

// Store persists outcomes keyed by correlation id
type Store interface {
	Put(ctx context.Context, outcome *types.Outcome) error
	Get(ctx context.Context, correlationID string) (*types.Outcome, error)
	Close() error
}
