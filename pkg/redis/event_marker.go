package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkOnce 通过 SETNX 保证同一事件只标记一次。
const luaMarkOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])

if redis.call('SETNX', key, '1') == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// EventMarkerTTL 已处理回调事件 id 的保留时间。
const EventMarkerTTL = 7 * 24 * time.Hour

// MarkEventApplied 标记 eventID 已处理完成，标记已存在时返回 false。只能在数据库提交之后调用。
func MarkEventApplied(ctx context.Context, rdb *rd.Client, eventID string) (bool, error) {
	ttlSec := int64(EventMarkerTTL / time.Second)
	n, err := rdb.Eval(ctx, luaMarkOnce, []string{WebhookEventKey(eventID)}, ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EventApplied 判断 eventID 是否已被标记。
func EventApplied(ctx context.Context, rdb *rd.Client, eventID string) (bool, error) {
	err := rdb.Get(ctx, WebhookEventKey(eventID)).Err()
	if errors.Is(err, rd.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
