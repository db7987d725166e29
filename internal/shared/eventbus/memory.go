// Package eventbus 进程内事件总线
package eventbus

import (
	"context"
	"errors"
	"log"
	"path"
	"sync"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("eventbus: closed")

// MemoryBus 进程内 Bus 实现（单实例部署和测试）
//
// 频道匹配使用 path.Match，与 Redis PSUBSCRIBE 的 glob 语义一致。
// 订阅者缓冲写满时丢弃消息，不阻塞发布方。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
}

// NewMemoryBus 创建进程内事件总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

var _ Bus = (*MemoryBus)(nil)

// Publish 发布消息到所有匹配的订阅者
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs {
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		msg := &Message{Channel: channel, Payload: payload}
		select {
		case sub.ch <- msg:
		default:
			log.Printf("[EventBus] Subscriber %q buffer full, dropping message on %s", sub.pattern, channel)
		}
	}
	return nil
}

// Subscribe 订阅匹配 pattern 的频道
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan *Message, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}

	sub := &memorySub{pattern: pattern, ch: make(chan *Message, SubscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub.ch, nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close 关闭总线并关闭所有订阅 channel
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}
