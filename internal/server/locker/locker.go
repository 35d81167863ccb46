// Package locker serializes work on a key, such as finalizing one upload.
package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires exclusive access to a key until the returned unlock is called.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

var errLockHeld = errors.New("lock held")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every server process using the same Redis.
// A held lock is renewed every TTL/3, so it only expires after TTL if its
// holder dies.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis creates a Redis-backed Locker from a redis:// URL.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(opts),
		prefix: "parcel:lock:",
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Lock retries SET NX with exponential backoff until the key is acquired or
// ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return backoff.Permanent(fmt.Errorf("failed to acquire lock %s: %w", key, err))
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.renew(k, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// the caller's context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, nil
}

// renew extends the TTL of k while it still holds token, until stop is
// closed or the lock is lost.
func (r *Redis) renew(k, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				// transient; the next tick retries while the key lives
				slog.Warn("failed to renew lock", "key", k, "error", err)
			case n == 0:
				slog.Error("lock lost before release", "key", k)
				return
			}
		}
	}
}
