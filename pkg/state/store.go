// Package state provides scoped, durable key-value storage for narrative runs.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Backend is the durable medium behind a Store.
type Backend interface {
	// Load returns the stored values of a scope, or an empty map if the
	// scope has never been written.
	Load(ctx context.Context, scope Scope) (map[string]string, error)
	// Save replaces the stored values of a scope.
	Save(ctx context.Context, scope Scope, values map[string]string) error
	// Scopes lists every scope that has stored values.
	Scopes(ctx context.Context) ([]Scope, error)
	Close() error
}

// Locker is implemented by backends shared between processes. The store
// holds the lock across reload, mutation and save.
type Locker interface {
	Lock(ctx context.Context, scope Scope) (unlock func() error, err error)
}

// Error reports a persistence or serialization failure.
type Error struct {
	Op    string
	Scope Scope
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Scope, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type scopeEntry struct {
	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// Store caches scope values over a Backend. Every access to a scope is
// serialized; mutations are copy-on-write so a failed save leaves the
// previous values in place.
type Store struct {
	backend Backend

	mu     sync.Mutex
	scopes map[string]*scopeEntry
}

// NewStore creates a store over backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		scopes:  make(map[string]*scopeEntry),
	}
}

// Backend returns the store's backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) entry(scope Scope) *scopeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scope.Key()
	e, ok := s.scopes[key]
	if !ok {
		e = &scopeEntry{}
		s.scopes[key] = e
	}
	return e
}

// load must be called with e.mu held.
func (s *Store) load(ctx context.Context, scope Scope, e *scopeEntry) error {
	if e.loaded {
		return nil
	}
	if err := scope.Validate(); err != nil {
		return &Error{Op: "load", Scope: scope, Err: err}
	}
	values, err := s.backend.Load(ctx, scope)
	if err != nil {
		return &Error{Op: "load", Scope: scope, Err: err}
	}
	if values == nil {
		values = make(map[string]string)
	}
	e.values = values
	e.loaded = true
	return nil
}

// Load reads the given scopes from the backend, discarding cached values.
func (s *Store) Load(ctx context.Context, scopes ...Scope) error {
	for _, scope := range scopes {
		e := s.entry(scope)
		e.mu.Lock()
		e.loaded = false
		err := s.load(ctx, scope, e)
		e.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value of key in scope.
func (s *Store) Get(ctx context.Context, scope Scope, key string) (string, bool, error) {
	e := s.entry(scope)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, scope, e); err != nil {
		return "", false, err
	}
	v, ok := e.values[key]
	return v, ok, nil
}

// Snapshot returns a copy of every value in scope.
func (s *Store) Snapshot(ctx context.Context, scope Scope) (map[string]string, error) {
	e := s.entry(scope)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, scope, e); err != nil {
		return nil, err
	}
	return clone(e.values), nil
}

// Update runs fn on a copy of the scope's values under exclusive access,
// persists the result and only then makes it visible. An error from fn is
// returned as is and nothing is written.
func (s *Store) Update(ctx context.Context, scope Scope, fn func(values map[string]string) error) error {
	e := s.entry(scope)
	e.mu.Lock()
	defer e.mu.Unlock()

	if locker, ok := s.backend.(Locker); ok {
		unlock, err := locker.Lock(ctx, scope)
		if err != nil {
			return &Error{Op: "lock", Scope: scope, Err: err}
		}
		defer unlock()
		// Another process may have written since we cached.
		e.loaded = false
	}
	if err := s.load(ctx, scope, e); err != nil {
		return err
	}

	next := clone(e.values)
	if err := fn(next); err != nil {
		return err
	}
	if err := s.backend.Save(ctx, scope, next); err != nil {
		return &Error{Op: "save", Scope: scope, Err: err}
	}
	e.values = next
	return nil
}

// Set writes every key of values into scope as one atomic update.
func (s *Store) Set(ctx context.Context, scope Scope, values map[string]string) error {
	return s.Update(ctx, scope, func(current map[string]string) error {
		for k, v := range values {
			current[k] = v
		}
		return nil
	})
}

// Delete removes keys from scope.
func (s *Store) Delete(ctx context.Context, scope Scope, keys ...string) error {
	return s.Update(ctx, scope, func(current map[string]string) error {
		for _, k := range keys {
			delete(current, k)
		}
		return nil
	})
}

// View is a read-only lookup over a chain of scopes. Earlier scopes shadow
// later ones.
type View struct {
	store *Store
	chain []Scope
}

// View returns a lookup over chain.
func (s *Store) View(chain ...Scope) *View {
	return &View{store: s, chain: chain}
}

// Chain returns the scopes searched by the view, in order.
func (v *View) Chain() []Scope {
	return v.chain
}

// Lookup returns the first value for key found along the chain.
func (v *View) Lookup(ctx context.Context, key string) (string, bool, error) {
	for _, scope := range v.chain {
		val, ok, err := v.store.Get(ctx, scope, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return val, true, nil
		}
	}
	return "", false, nil
}

// Keys returns every key visible through the view, sorted.
func (v *View) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, scope := range v.chain {
		values, err := v.store.Snapshot(ctx, scope)
		if err != nil {
			return nil, err
		}
		for k := range values {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func clone(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
