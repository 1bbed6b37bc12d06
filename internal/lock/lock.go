// Package lock keeps two mutating runs from touching the same environment at
// once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another run holds the lock.
var ErrHeld = errors.New("deployment lock held")

// Key names the lock of a project environment.
func Key(project, environment string) string {
	return "djdeploy:lock:" + project + ":" + environment
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires leases.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error)
	Close() error
}

// Noop grants every request. It is used when no redis address is configured.
type Noop struct{}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string, string, time.Duration) (Lease, error) {
	return noopLease{}, nil
}

// Close implements Locker.
func (Noop) Close() error { return nil }

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX and a compare-and-delete release.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to addr and verifies the server answers.
func NewRedis(addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Redis{client: client, logger: logger}, nil
}

// Acquire implements Locker. holder identifies the run and is reported to
// anyone who finds the lock taken.
func (r *Redis) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		current, err := r.client.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("read lock holder failed", "key", key, "error", err)
		}
		remaining, _ := r.client.TTL(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s by %q (expires in %s)", ErrHeld, key, current, remaining.Round(time.Second))
	}
	r.logger.Debug("lock acquired", "key", key, "holder", holder, "ttl", ttl)
	return &redisLease{client: r.client, key: key, holder: holder}, nil
}

// Close implements Locker.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	holder string
}

// Release deletes the key only while it still carries this lease's holder.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
