package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey    = "claudebrain:exchanges"
	defaultRedisMaxLen = 10000
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	// MaxLen 限制列表长度，超出部分从尾部裁剪。
	MaxLen int64
}

// RedisPublisher 使用 Redis list 保存最近的事件，供下游以 BRPOP 消费。
type RedisPublisher struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 事件发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultRedisKey
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultRedisMaxLen
	}
	return &RedisPublisher{client: client, key: key, maxLen: maxLen}
}

// Publish 将事件写入列表头部并裁剪长度。
func (p *RedisPublisher) Publish(ctx context.Context, event ExchangeEvent) error {
	payload, err := encode(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, p.key, payload)
		pipe.LTrim(ctx, p.key, 0, p.maxLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
