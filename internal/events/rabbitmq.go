package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultRabbitQueue = "claudebrain.exchanges"

// RabbitMQConfig 描述 RabbitMQ 的连接与路由参数。
// Exchange 为空时直接投递到默认交换机，路由键即队列名。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Queue      string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 以持久化 JSON 消息的形式投递事件。
type RabbitMQPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
}

// NewRabbitMQPublisher 建立连接并声明持久化队列。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultRabbitQueue
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}

	exchange := strings.TrimSpace(cfg.Exchange)
	routingKey := strings.TrimSpace(cfg.RoutingKey)
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
		}
		if routingKey == "" {
			routingKey = TypeExchangeCompleted
		}
		if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	} else {
		routingKey = queue
	}

	p := newRabbitMQPublisher(ch, exchange, routingKey)
	p.conn = conn
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, exchange, routingKey string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Publish 投递一条事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event ExchangeEvent) error {
	payload, err := encode(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         TypeExchangeCompleted,
		Timestamp:    event.OccurredAt,
		Body:         payload,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
