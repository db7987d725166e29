// Package redis Redis Pub/Sub 事件总线实现
//
// 多实例部署时，设备可能连接在任意实例上：
// 推送消息经 Redis 扇出，由持有该终端连接的实例写出。
package redis

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"terminal-fleet/internal/shared/eventbus"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
}

var _ eventbus.Bus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

// Publish 发布消息
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe 按模式订阅（PSUBSCRIBE）
//
// 返回前等待订阅确认，确保之后发布的消息不会丢失。
func (s *Store) Subscribe(ctx context.Context, pattern string) (<-chan *eventbus.Message, error) {
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", pattern, err)
	}

	out := make(chan *eventbus.Message, eventbus.SubscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					log.Printf("[Redis/EventBus] Subscription %s closed", pattern)
					return
				}
				select {
				case out <- &eventbus.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Printf("[Redis/EventBus] Subscriber %q buffer full, dropping message on %s", pattern, msg.Channel)
				}
			}
		}
	}()

	return out, nil
}
