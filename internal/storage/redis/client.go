package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。Addresses 多于一个时使用集群客户端。
type Config struct {
	Addresses   []string      `yaml:"addresses" json:"addresses"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
}

// NewClient 创建客户端并确认连通。
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("Redis 地址不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
