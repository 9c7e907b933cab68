// ABOUTME: Lease backend on Redis using SET NX PX and owner-checked Lua scripts
// ABOUTME: Lets several gateway replicas share per-session exclusivity

package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces lease keys
const DefaultKeyPrefix = "parley:lease:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker grants leases stored as expiring Redis keys.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker. A non-positive ttl uses DefaultTTL.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: prefix, logger: loggerOrDefault(logger)}
}

func (l *RedisLocker) key(sessionID string) string {
	return l.prefix + sessionID
}

// Acquire takes the session lease or returns ErrBusy.
func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	owner := newOwner()
	key := l.key(sessionID)

	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring redis lease: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	l.logger.Debug("lease acquired", "session_id", sessionID, "owner", owner, "backend", "redis")

	renew := func(ctx context.Context) error {
		n, err := renewScript.Run(ctx, l.client, []string{key}, owner, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return fmt.Errorf("renewing redis lease: %w", err)
		}
		if n == 0 {
			return ErrLost
		}
		return nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil {
			return fmt.Errorf("releasing redis lease: %w", err)
		}
		return nil
	}
	return newHandle(sessionID, owner, l.ttl, renew, release, l.logger), nil
}

// Close closes the underlying client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
