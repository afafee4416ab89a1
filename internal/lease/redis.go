package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

// releaseScript deletes the key only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease shares device ownership between processes on the same host.
type RedisLease struct {
	client *redis.Client
	prefix string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client, prefix: "camera_lock:"}
}

func (l *RedisLease) key(deviceKey string) string {
	return l.prefix + deviceKey
}

func (l *RedisLease) Acquire(ctx context.Context, deviceKey, owner string, ttl time.Duration) (bool, error) {
	key := l.key(deviceKey)

	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; one more attempt
		return l.client.SetNX(ctx, key, owner, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if holder != owner {
		telemetry.Logger.Debug("Camera lease held elsewhere",
			zap.String("device", deviceKey),
			zap.String("holder", holder),
		)
		return false, nil
	}

	if ttl > 0 {
		if err := l.client.Expire(ctx, key, ttl).Err(); err != nil {
			return false, fmt.Errorf("extend %s: %w", key, err)
		}
	}
	return true, nil
}

func (l *RedisLease) Release(ctx context.Context, deviceKey, owner string) error {
	key := l.key(deviceKey)
	if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
