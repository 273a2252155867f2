// Package locks provides a Redis-backed lease lock for cross-process mutual
// exclusion (shared credential refresh, catalog re-sync). Acquire hands back
// a lease carrying a fencing token; release and renew present the token and
// act only while it still owns the key, so an expired lease can never free a
// lock that another process has since taken.
package locks

import (
	"context"
	"log/slog"
	"time"

	"github.com/the3venthoriz0n/hopper-sub000/internal/types"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while the caller's token owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the expiry only while the caller's token owns the key.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisClient is the subset of *redis.Client the locker needs. Narrow so
// tests can fake it with redis.NewBoolResult / redis.NewCmdResult.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Locker acquires lease locks against a shared Redis instance.
type Locker struct {
	client RedisClient
	logger *slog.Logger
}

// NewLocker creates a Locker. A nil logger falls back to slog.Default().
func NewLocker(client RedisClient, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, logger: logger}
}

// Lease is a held lock. Its token fences release and renew: both are no-ops
// once the key has expired and been re-acquired elsewhere.
type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Token returns the fencing token identifying this lease.
func (l *Lease) Token() string { return l.token }

// Key returns the lock key.
func (l *Lease) Key() string { return l.key }

// Acquire takes the lock with the given TTL. Returns a conflict AppError when
// another holder owns the key.
func (lk *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	ok, err := lk.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "lock acquire failed", err)
	}
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeConflictLockHeld,
			"lock is held by another process: "+key,
			nil,
		)
	}

	return &Lease{key: key, token: token, locker: lk}, nil
}

// AcquireOrWait tries to take the lock; when it is already held, it waits out
// the cooldown and reports waited=true without a lease. Callers treat that as
// "someone else is doing the work" and re-read the refreshed state instead of
// repeating the operation themselves.
func (lk *Locker) AcquireOrWait(ctx context.Context, key string, ttl, cooldown time.Duration) (lease *Lease, waited bool, err error) {
	lease, err = lk.Acquire(ctx, key, ttl)
	if err == nil {
		return lease, false, nil
	}

	var appErr *types.AppError
	if ae, ok := err.(*types.AppError); ok {
		appErr = ae
	}
	if appErr == nil || appErr.Code != types.ErrCodeConflictLockHeld {
		return nil, false, err
	}

	lk.logger.DebugContext(ctx, "lock held, waiting out cooldown", "key", key, "cooldown", cooldown)

	timer := time.NewTimer(cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		return nil, true, nil
	}
}

// Release frees the lock if this lease still owns it. Returns a conflict
// AppError when the lease had already expired and the key belongs to another
// holder (or nobody).
func (l *Lease) Release(ctx context.Context) error {
	res, err := l.locker.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "lock release failed", err)
	}
	if n, _ := res.(int64); n == 0 {
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"lease expired before release; lock no longer owned: "+l.key,
			nil,
		)
	}
	return nil
}

// Renew extends the lease TTL if this lease still owns the key.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	res, err := l.locker.client.Eval(ctx, renewScript, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "lock renew failed", err)
	}
	if n, _ := res.(int64); n == 0 {
		return types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"lease expired before renew; lock no longer owned: "+l.key,
			nil,
		)
	}
	return nil
}
