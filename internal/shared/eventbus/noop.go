package eventbus

import (
	"context"
)

// NoOpBus 丢弃所有发布的消息，订阅立即返回已关闭的通道
//
// 用于不需要事件输出的场景（离线工具、只关心存储结果的测试）。
type NoOpBus struct{}

// NewNoOpBus 创建 NoOpBus
func NewNoOpBus() *NoOpBus {
	return &NoOpBus{}
}

func (NoOpBus) Close() error {
	return nil
}

func (NoOpBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (NoOpBus) Subscribe(ctx context.Context, pattern string) (<-chan *Message, error) {
	ch := make(chan *Message)
	close(ch)
	return ch, nil
}

var _ Bus = (*NoOpBus)(nil)
