// Package gate implements the usage gate: a per-client message quota with a
// cooldown once the quota is used up, and an unlock override.
//
// All operations are pure transitions over State; callers decide where the
// state lives.
package gate

import (
	"crypto/subtle"
	"errors"
	"time"
)

const (
	// DefaultLimit is the number of attempts allowed before a cooldown starts.
	DefaultLimit = 5
	// DefaultCooldown is how long a client is blocked once the limit is reached.
	DefaultCooldown = 30 * time.Minute
)

// ErrInvalidSecret is returned by Unlock when the supplied secret does not match.
var ErrInvalidSecret = errors.New("invalid unlock secret")

// State is the quota state of one client.
// A zero CooldownUntil means no cooldown is set.
type State struct {
	Count         int       `json:"count"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Unlocked      bool      `json:"unlocked"`
}

// Gate holds the quota parameters.
type Gate struct {
	limit    int
	cooldown time.Duration
}

// New creates a gate. Non-positive values fall back to the defaults.
func New(limit int, cooldown time.Duration) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{limit: limit, cooldown: cooldown}
}

// Limit returns the configured attempt limit.
func (g *Gate) Limit() int {
	return g.limit
}

// Cooldown returns the configured cooldown duration.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

// IsBlocked reports whether the client must wait before sending.
// A cooldown ending exactly at now is already over.
func (g *Gate) IsBlocked(s State, now time.Time) bool {
	return !s.Unlocked && !s.CooldownUntil.IsZero() && s.CooldownUntil.After(now)
}

// RecordAttempt counts one completed call, successful or not.
func (g *Gate) RecordAttempt(s State, now time.Time) State {
	if s.Unlocked {
		return s
	}
	s = g.expire(s, now)
	s.Count++
	if s.Count >= g.limit {
		s.CooldownUntil = now.Add(g.cooldown)
	}
	return s
}

// Unlock lifts the gate for the rest of the session when supplied matches expected.
// An empty expected secret disables unlocking. On mismatch s is returned unchanged.
func (g *Gate) Unlock(s State, supplied, expected string) (State, error) {
	if expected == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
		return s, ErrInvalidSecret
	}
	return State{Unlocked: true}, nil
}

// TimeRemaining returns the whole seconds left in the cooldown, rounded up.
func (g *Gate) TimeRemaining(s State, now time.Time) int {
	if !g.IsBlocked(s, now) {
		return 0
	}
	left := s.CooldownUntil.Sub(now)
	secs := int(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

// Normalize applies the implicit reset of an elapsed cooldown without counting an attempt.
func (g *Gate) Normalize(s State, now time.Time) State {
	return g.expire(s, now)
}

func (g *Gate) expire(s State, now time.Time) State {
	if !s.CooldownUntil.IsZero() && !s.CooldownUntil.After(now) {
		s.Count = 0
		s.CooldownUntil = time.Time{}
	}
	return s
}
