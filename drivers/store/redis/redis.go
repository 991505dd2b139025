// Package redis provides a redis-backed StateStore. Atomicity is kept with
// an optimistic WATCH/MULTI loop: the state is read, the caller's function
// applied, and the write committed only if the key was untouched meanwhile;
// losing the race rereads and retries. State is stored as a small JSON
// document per key.
//
// Processes sharing one redis store must also share a clock epoch: give
// every Service a TimeFunc with a common zero point, because bucket state
// carries raw clock seconds.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	libredis "github.com/redis/go-redis/v9"

	"ratelimiter"
)

// ErrMaxRetries is returned when the optimistic update loop keeps losing
// the race for a key. It surfaces wrapped in a StoreError.
var ErrMaxRetries = errors.New("optimistic update retries exhausted")

const (
	defaultMaxRetries = 8
	defaultTimeout    = 5 * time.Second
)

// Store is a redis-backed StateStore.
type Store struct {
	client     *libredis.Client
	prefix     string
	ttl        time.Duration
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix prepends prefix to every storage key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires idle bucket keys after d. Zero, the default, keeps them
// forever, matching the in-memory store's lifecycle.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithTimeout bounds each redis operation (default 5s). Zero disables the
// bound and leaves deadlines to the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithMaxRetries sets how often an update retries after losing the
// optimistic race (default 8).
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a redis-backed StateStore and verifies the connection.
func New(client *libredis.Client, opts ...Option) (*Store, error) {
	s := &Store{
		client:     client,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := s.opCtx(context.Background())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return s, nil
}

// Get implements ratelimiter.StateStore.
func (s *Store) Get(ctx context.Context, key string) (ratelimiter.BucketState, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	state, ok, err := s.load(ctx, s.client, s.prefix+key)
	if err != nil {
		return ratelimiter.BucketState{}, false, &ratelimiter.StoreError{Op: "get", Key: key, Err: err}
	}
	return state, ok, nil
}

// Set implements ratelimiter.StateStore.
func (s *Store) Set(ctx context.Context, key string, state ratelimiter.BucketState) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := json.Marshal(state)
	if err != nil {
		return &ratelimiter.StoreError{Op: "set", Key: key, Err: err}
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return &ratelimiter.StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Update implements ratelimiter.StateStore. fn may run once per attempt;
// only the attempt whose write commits defines the returned state. The
// commit itself is a server-side MULTI, so a caller cancelled mid-flight
// leaves either the old or the new state, never a torn one.
func (s *Store) Update(ctx context.Context, key string, fn func(state ratelimiter.BucketState, ok bool) ratelimiter.BucketState) (ratelimiter.BucketState, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	full := s.prefix + key
	var next ratelimiter.BucketState

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *libredis.Tx) error {
			current, ok, err := s.load(ctx, tx, full)
			if err != nil {
				return err
			}

			next = fn(current, ok)
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe libredis.Pipeliner) error {
				pipe.Set(ctx, full, data, s.ttl)
				return nil
			})
			return err
		}, full)

		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, libredis.TxFailedErr):
			// Lost the race; reread and retry.
			continue
		default:
			return ratelimiter.BucketState{}, &ratelimiter.StoreError{Op: "update", Key: key, Err: err}
		}
	}

	s.logger.Warn("redis store update contention", "key", key, "attempts", s.maxRetries)
	return ratelimiter.BucketState{}, &ratelimiter.StoreError{Op: "update", Key: key, Err: ErrMaxRetries}
}

// Delete implements ratelimiter.StateStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return &ratelimiter.StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// load reads and decodes the state at full; ok is false when the key does
// not exist.
func (s *Store) load(ctx context.Context, c libredis.Cmdable, full string) (ratelimiter.BucketState, bool, error) {
	data, err := c.Get(ctx, full).Bytes()
	if errors.Is(err, libredis.Nil) {
		return ratelimiter.BucketState{}, false, nil
	}
	if err != nil {
		return ratelimiter.BucketState{}, false, err
	}

	var state ratelimiter.BucketState
	if err := json.Unmarshal(data, &state); err != nil {
		return ratelimiter.BucketState{}, false, fmt.Errorf("decode state: %w", err)
	}
	return state, true, nil
}

// opCtx applies the per-operation timeout when one is configured.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
