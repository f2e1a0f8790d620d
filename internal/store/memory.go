package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/montana-relay/internal/gate"
)

// MemoryStore implements Repository in process memory. State is lost on
// restart.
type MemoryStore struct {
	mu    sync.Mutex
	gates map[string]gate.State
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{gates: make(map[string]gate.State)}
}

func (m *MemoryStore) GetGate(_ context.Context, clientID string) (gate.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gates[clientID], nil
}

func (m *MemoryStore) UpdateGate(_ context.Context, clientID string, fn UpdateFunc) (gate.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.gates[clientID])
	if err != nil {
		return gate.State{}, err
	}
	m.gates[clientID] = next
	return next, nil
}

func (m *MemoryStore) DeleteExpiredGates(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, st := range m.gates {
		if !st.Unlocked && !st.CooldownUntil.IsZero() && !st.CooldownUntil.After(now) {
			delete(m.gates, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
