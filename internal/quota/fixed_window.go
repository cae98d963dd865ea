package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared counter backend. Incr must be atomic; Get returns
// redis.Nil for a key that was never incremented.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// FixedWindow counts events per (key, bucket) where bucket is wall-clock time
// divided by the window length. Bursts at bucket boundaries are possible.
type FixedWindow struct {
	store  Store
	prefix string
	window time.Duration
}

func NewFixedWindow(store Store, prefix string, window time.Duration) *FixedWindow {
	return &FixedWindow{
		store:  store,
		prefix: prefix,
		window: window,
	}
}

func (f *FixedWindow) bucket(now time.Time) int64 {
	return now.Unix() / int64(f.window.Seconds())
}

func (f *FixedWindow) key(id string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", f.prefix, id, f.bucket(now))
}

// Consume increments the counter for the current bucket and returns the
// post-increment count.
func (f *FixedWindow) Consume(ctx context.Context, id string, now time.Time) (int64, error) {
	key := f.key(id, now)

	count, err := f.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}

	if count == 1 {
		// A missing TTL only leaves behind a key for a bucket nobody reads again
		f.store.Expire(ctx, key, f.window)
	}

	return count, nil
}

// Used reads the current bucket's count without incrementing it
func (f *FixedWindow) Used(ctx context.Context, id string, now time.Time) (int64, error) {
	val, err := f.store.Get(ctx, f.key(id, now))
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %q: %w", val, err)
	}

	return count, nil
}

// Returns the time at which the current bucket ends
func (f *FixedWindow) ResetAt(now time.Time) time.Time {
	seconds := int64(f.window.Seconds())
	return time.Unix((f.bucket(now)+1)*seconds, 0)
}

func (f *FixedWindow) Window() time.Duration {
	return f.window
}
