// Package statestore persists script state for code-based mappings across
// invocations, keyed by tenant and mapping identifier.
package statestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// Store is the persistence contract the sandbox consumes. Load returns
// ErrStateNotFound for keys never saved; Save overwrites, last writer wins.
type Store interface {
	Load(ctx context.Context, tenant, mappingID string) (map[string]any, error)
	Save(ctx context.Context, tenant, mappingID string, state map[string]any) error
	Delete(ctx context.Context, tenant, mappingID string) error
}

// stateKey builds the bucket key. Dots keep tenant and mapping visible as
// separate subject tokens in the KV bucket.
func stateKey(tenant, mappingID string) string {
	return fmt.Sprintf("%s.%s", tenant, mappingID)
}

// InMemoryStore keeps state in process memory. Used in tests and when no
// NATS backing is configured; state does not survive a restart.
type InMemoryStore struct {
	mu    sync.RWMutex
	state map[string]map[string]any
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: make(map[string]map[string]any)}
}

// Load implements Store
func (s *InMemoryStore) Load(_ context.Context, tenant, mappingID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.state[stateKey(tenant, mappingID)]
	if !ok {
		return nil, errors.ErrStateNotFound
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out, nil
}

// Save implements Store
func (s *InMemoryStore) Save(_ context.Context, tenant, mappingID string, state map[string]any) error {
	stored := make(map[string]any, len(state))
	for k, v := range state {
		stored[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[stateKey(tenant, mappingID)] = stored
	return nil
}

// Delete implements Store; deleting an absent key is a no-op.
func (s *InMemoryStore) Delete(_ context.Context, tenant, mappingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, stateKey(tenant, mappingID))
	return nil
}
