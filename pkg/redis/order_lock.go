package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配 token 时才删除，避免误删别人的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireOrderLock 获取订单重试锁，ok=false 表示已被其他请求持有；释放时需要返回的 token。
func AcquireOrderLock(ctx context.Context, rdb *rd.Client, orderID string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = rdb.SetNX(ctx, OrderRetryLockKey(orderID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseOrderLockIfMatch 安全释放订单锁；锁已过期或被他人持有时不做任何事。
func ReleaseOrderLockIfMatch(ctx context.Context, rdb *rd.Client, orderID, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{OrderRetryLockKey(orderID)}, token).Int()
	return err
}
