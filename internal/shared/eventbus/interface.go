// Package eventbus 事件总线抽象接口
//
// 提供尽力而为的发布/订阅能力：
//   - 设备推送：terminal_push:<terminalID> 频道，由持有该终端 websocket 的实例写出
//   - 观察者事件：fleet_events 频道，转发给监控面板
//
// 单实例部署使用内存实现；多实例部署使用 Redis Pub/Sub 在实例间扇出。
// 消息不持久化：订阅者离线期间发布的消息会丢失，命令的可靠投递由心跳轮询保证。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// Publisher 发布接口
type Publisher interface {
	// Publish 向频道发布一条消息；没有订阅者不是错误
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber 订阅接口
type Subscriber interface {
	// Subscribe 按 glob 模式订阅频道，ctx 取消后返回的 channel 被关闭
	Subscribe(ctx context.Context, pattern string) (<-chan *Message, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Bus 事件总线组合接口
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
