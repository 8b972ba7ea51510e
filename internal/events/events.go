package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TypeExchangeCompleted 表示一次成功的问答往返。
const TypeExchangeCompleted = "exchange.completed"

// ExchangeEvent 描述一次成功往返的摘要，不包含对话正文。
type ExchangeEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	SessionKey   string    `json:"session_key"`
	Model        string    `json:"model"`
	Enriched     bool      `json:"enriched"`
	RequestCount int       `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher 负责把事件投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, event ExchangeEvent) error
	Close() error
}

// Noop 丢弃所有事件。
type Noop struct{}

// Publish 忽略事件。
func (Noop) Publish(context.Context, ExchangeEvent) error { return nil }

// Close 无需释放资源。
func (Noop) Close() error { return nil }

func encode(event ExchangeEvent) ([]byte, error) {
	if event.Type == "" {
		event.Type = TypeExchangeCompleted
	}
	return json.Marshal(event)
}

// Config 描述事件投递方式。
type Config struct {
	Driver   string
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	// Buffer 为后台投递缓冲区大小。
	Buffer int
}

// Open 根据驱动创建发布器。除 none 以外的驱动都会被包装成 AsyncPublisher。
func Open(ctx context.Context, cfg Config) (Publisher, error) {
	var next Publisher
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Noop{}, nil
	case "redis":
		p, err := NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		next = p
	case "rabbitmq":
		p, err := NewRabbitMQPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		next = p
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
	return NewAsyncPublisher(next, cfg.Buffer, 0), nil
}
