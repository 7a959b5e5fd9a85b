package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// release only if the caller still owns the key
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrNotConfigured = errors.New("lock: redis client not configured")
	ErrInvalidLock   = errors.New("lock: key and positive ttl required")
)

// Locker is a single-instance redis mutex: SET NX PX with a random owner token.
// It bounds concurrency between app instances; correctness still rests on the
// session version guard.
type Locker struct {
	client redis.UniversalClient
	prefix string
	script *redis.Script
}

func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		script: redis.NewScript(releaseScript),
	}
}

// TryLock reports false without error when someone else holds key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrNotConfigured
	}
	if key == "" || ttl <= 0 {
		return "", false, ErrInvalidLock
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}
