package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenFAM-Supply/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现工作队列，未派发的文件在进程重启后仍然保留。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端，Close 时不会关闭该客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "famsupply:queue"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将文件投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, file File) error {
	payload, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("编码文件失败: %w", err)
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布文件失败")
	}
	return nil
}

// Receive 通过 BRPOP 阻塞获取文件。
func (q *RedisQueue) Receive(ctx context.Context) (File, error) {
	for {
		if err := ctx.Err(); err != nil {
			return File{}, err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return File{}, ctxErr
			}
			return File{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取文件失败", xerrors.WithRetryable(true))
		}
		if len(values) != 2 {
			continue
		}
		return decodeFile(values[1])
	}
}

// TryReceive 通过 RPOP 非阻塞获取文件。
func (q *RedisQueue) TryReceive(ctx context.Context) (File, bool, error) {
	value, err := q.client.RPop(ctx, q.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return File{}, false, nil
		}
		return File{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取文件失败", xerrors.WithRetryable(true))
	}
	file, err := decodeFile(value)
	if err != nil {
		return File{}, false, err
	}
	return file, true, nil
}

// Len 返回队列长度。
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 查询队列长度失败")
	}
	return int(n), nil
}

// Close 关闭自行创建的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}

func decodeFile(raw string) (File, error) {
	var file File
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		return File{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析队列中的文件失败")
	}
	return file, nil
}

var _ Queue = (*RedisQueue)(nil)
