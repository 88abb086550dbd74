package supplier

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	xerrors "OpenFAM-Supply/internal/errors"
)

// RedisLedger 以 SETNX 实现跨进程的去重账本，每条记录可设置过期时间。
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger 创建 Redis 账本。prefix 通常包含供应器 ID，ttl <= 0 表示永不过期。
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "famsupply:ledger"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

// key 把任意长度的路径压缩成定长键，原始路径作为值保存。
func (l *RedisLedger) key(key string) string {
	return l.prefix + ":" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// Claim 实现 Ledger。
func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), key, l.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入去重记录失败")
	}
	return ok, nil
}

// Release 实现 Ledger。
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除去重记录失败")
	}
	return nil
}

// Close 不关闭共享的客户端。
func (l *RedisLedger) Close() error { return nil }

var _ Ledger = (*RedisLedger)(nil)
