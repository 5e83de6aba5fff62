package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LockRepository 提供基于 Redis SET NX 的跨实例互斥，用于只需一个实例执行的周期任务。
type LockRepository interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type redisLockRepository struct {
	redisClient *redis.Client
}

// NewLockRepository 创建一个新的 LockRepository 实例。
func NewLockRepository(redisClient *redis.Client) LockRepository {
	return &redisLockRepository{redisClient: redisClient}
}

func (r *redisLockRepository) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.redisClient.SetNX(ctx, "lock:"+key, token, ttl).Result()
}

func (r *redisLockRepository) Unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, r.redisClient, []string{"lock:" + key}, token).Err()
}
