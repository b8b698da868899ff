package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired holder cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a cluster-wide Locker backed by SET NX PX.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedisLocker(opt *redis.Options, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		Client: redis.NewClient(opt),
		Prefix: "belief-market:lock:",
		TTL:    ttl,
		Retry:  50 * time.Millisecond,
	}
}

func (l *RedisLocker) key(k int64) string {
	return fmt.Sprintf("%s%d", l.Prefix, k)
}

func (l *RedisLocker) Lock(ctx context.Context, key int64) (func() error, error) {
	name := l.key(key)
	token := uuid.NewString()
	retry := l.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for {
		ok, err := l.Client.SetNX(ctx, name, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", name, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return func() error {
		// release must outlive a cancelled caller context
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.Client, []string{name}, token).Int()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("redis unlock %s: lock expired before release", name)
		}
		return nil
	}, nil
}

func (l *RedisLocker) Close() error { return l.Client.Close() }
