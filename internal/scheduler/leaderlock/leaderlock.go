// Package leaderlock provides an optional Redis-backed leader lease so
// more than one scheduler process can run warm-standby (spec.md §5,
// "one active scheduler process per deployment; multiple passive
// processes may tail the store but must not claim"). A deployment with
// exactly one scheduler process does not need this package at all — the
// JobStore's optimistic Claim already makes a single writer safe.
package leaderlock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by Renew when the lease has been lost to
// another holder (expired and re-acquired elsewhere).
var ErrNotLeader = errors.New("leaderlock: lease no longer held")

// Lease maintains a single Redis key as a leader election primitive
// using SET key value NX PX ttl, renewed periodically while held.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	holder string

	logger *slog.Logger
	held   bool
}

// New builds a Lease keyed by key (e.g. "torale:scheduler:leader"), with
// ttl as the lease lifetime. A random holder token is generated so
// Release only deletes a key this process still owns.
func New(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *Lease {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		holder: uuid.Must(uuid.NewV7()).String(),
		logger: logger,
	}
}

// TryAcquire attempts to become leader, returning true if this process
// now holds the lease (either newly acquired or already held by it).
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		cur, err := l.client.Get(ctx, l.key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, err
		}
		ok = cur == l.holder
	}
	l.held = ok
	return ok, nil
}

// Renew extends the lease's TTL if this process still holds it. Callers
// should call this well inside the TTL window (e.g. every ttl/3) from a
// background goroutine; on ErrNotLeader the caller must stop claiming
// jobs immediately.
func (l *Lease) Renew(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		l.held = false
		return ErrNotLeader
	}
	l.held = true
	return nil
}

// Release gives up the lease if this process holds it, using a
// compare-and-delete script so a process never deletes a lease another
// holder has since acquired.
func (l *Lease) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.holder).Int()
	l.held = false
	return err
}

// IsLeader implements scheduler.LeaderElector by reporting the
// last-known held state; it does not hit Redis, so callers must run
// Renew on a background ticker for this to stay accurate.
func (l *Lease) IsLeader(ctx context.Context) bool {
	return l.held
}

// RunRenewal renews the lease on a ticker at ttl/3 until ctx is
// cancelled or the lease is lost, logging the transition either way.
func (l *Lease) RunRenewal(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				if errors.Is(err, ErrNotLeader) {
					l.logger.Warn("leaderlock: lost leadership")
					return
				}
				l.logger.Error("leaderlock: renew failed", "error", err)
			}
		}
	}
}
