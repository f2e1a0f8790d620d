// Package store persists usage gate state per client.
package store

import (
	"context"
	"time"

	"github.com/ashureev/montana-relay/internal/gate"
)

// UpdateFunc derives the next gate state from the current stored one. A
// returned error aborts the update and nothing is written.
type UpdateFunc func(current gate.State) (gate.State, error)

// Repository defines the interface for persisting gate state.
type Repository interface {
	// GetGate retrieves the gate state of a client. An unknown client has
	// the zero state.
	GetGate(ctx context.Context, clientID string) (gate.State, error)

	// UpdateGate applies fn to the current state of a client and stores the
	// result atomically with respect to other updates of the same client.
	UpdateGate(ctx context.Context, clientID string, fn UpdateFunc) (gate.State, error)

	// DeleteExpiredGates removes locked records whose cooldown ended at or
	// before now. Such records are equivalent to the zero state.
	DeleteExpiredGates(ctx context.Context, now time.Time) (int64, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}
