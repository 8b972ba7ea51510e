package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ClaudeBrain/pkg/logger"
)

// AsyncPublisher 使用带缓冲的 channel 在后台投递事件，请求路径不会被下游阻塞。
// 缓冲区满时事件会被丢弃并计数。
type AsyncPublisher struct {
	next    Publisher
	ch      chan ExchangeEvent
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsyncPublisher 包装 next 并启动一个后台投递协程。
func NewAsyncPublisher(next Publisher, size int, timeout time.Duration) *AsyncPublisher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &AsyncPublisher{
		next:    next,
		ch:      make(chan ExchangeEvent, size),
		timeout: timeout,
		log:     logger.Named("events"),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Publish 将事件放入缓冲区，不等待下游确认。
func (p *AsyncPublisher) Publish(_ context.Context, event ExchangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	select {
	case p.ch <- event:
		return nil
	default:
		p.dropped.Add(1)
		p.log.Warn("事件缓冲区已满，丢弃事件", slog.String("event_id", event.ID))
		return nil
	}
}

func (p *AsyncPublisher) loop() {
	defer close(p.done)
	for event := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.Publish(ctx, event); err != nil {
			p.failed.Add(1)
			p.log.Warn("投递事件失败", slog.String("event_id", event.ID), slog.Any("error", err))
		}
		cancel()
	}
}

// Dropped 返回因缓冲区满而被丢弃的事件数。
func (p *AsyncPublisher) Dropped() uint64 { return p.dropped.Load() }

// Failed 返回下游投递失败的事件数。
func (p *AsyncPublisher) Failed() uint64 { return p.failed.Load() }

// Close 停止接收新事件，等待缓冲区投递完毕后关闭下游发布器。
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	<-p.done
	return p.next.Close()
}
