package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ClaudeBrain/internal/llm"
)

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	MaxEntries int
}

// RedisStore 使用 Redis list 保存会话历史，适合多个实例共享近期上下文。
// 过期时间代替 LRU 约束 distinct session 的数量。
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxEntries int
}

// NewRedisStore 创建 Redis 会话存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
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
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "claudebrain:session:"
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL, maxEntries: maxEntries}
}

// Get 读取会话历史，按写入顺序返回。
func (s *RedisStore) Get(ctx context.Context, key string) ([]llm.Exchange, error) {
	values, err := s.client.LRange(ctx, s.prefix+key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 会话失败: %w", err)
	}
	entries := make([]llm.Exchange, 0, len(values))
	for _, raw := range values {
		var entry llm.Exchange
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("解析 Redis 会话记录失败: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Append 在一个 MULTI/EXEC 事务中追加两条记录并截断。
func (s *RedisStore) Append(ctx context.Context, key string, user, assistant llm.Exchange) error {
	encodedUser, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}
	encodedAssistant, err := json.Marshal(assistant)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}

	redisKey := s.prefix + key
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, redisKey, encodedUser, encodedAssistant)
		pipe.LTrim(ctx, redisKey, int64(-s.maxEntries), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, redisKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入 Redis 会话失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
