// Package memory provides the reference in-memory StateStore: a plain map
// behind one process-wide mutex, trading throughput for obvious correctness.
package memory

import (
	"context"
	"sync"

	"ratelimiter"
)

// Store is a mutex-guarded in-memory StateStore.
type Store struct {
	mu    sync.Mutex
	state map[string]ratelimiter.BucketState
}

// New creates an empty store.
func New() *Store {
	return &Store{
		state: make(map[string]ratelimiter.BucketState),
	}
}

// Get implements ratelimiter.StateStore.
func (s *Store) Get(ctx context.Context, key string) (ratelimiter.BucketState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.state[key]
	return state, ok, nil
}

// Set implements ratelimiter.StateStore.
func (s *Store) Set(ctx context.Context, key string, state ratelimiter.BucketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state[key] = state
	return nil
}

// Update implements ratelimiter.StateStore. The whole load-compute-store
// sequence runs under the store lock, so concurrent updates to the same key
// serialize and none is lost.
func (s *Store) Update(ctx context.Context, key string, fn func(state ratelimiter.BucketState, ok bool) ratelimiter.BucketState) (ratelimiter.BucketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state[key]
	next := fn(current, ok)
	s.state[key] = next
	return next, nil
}

// Delete implements ratelimiter.StateStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.state, key)
	return nil
}
