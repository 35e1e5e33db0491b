package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps state in process memory. It is used for dry runs and
// tests.
type MemoryBackend struct {
	mu     sync.Mutex
	scopes map[string]memoryScope
	// Saves counts successful Save calls.
	Saves int
}

type memoryScope struct {
	scope  Scope
	values map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{scopes: make(map[string]memoryScope)}
}

func (m *MemoryBackend) Load(_ context.Context, scope Scope) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.scopes[scope.Key()].values), nil
}

func (m *MemoryBackend) Save(_ context.Context, scope Scope, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[scope.Key()] = memoryScope{scope: scope, values: clone(values)}
	m.Saves++
	return nil
}

func (m *MemoryBackend) Scopes(_ context.Context) ([]Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scopes := make([]Scope, 0, len(m.scopes))
	for _, s := range m.scopes {
		scopes = append(scopes, s.scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Key() < scopes[j].Key() })
	return scopes, nil
}

func (m *MemoryBackend) Close() error { return nil }
