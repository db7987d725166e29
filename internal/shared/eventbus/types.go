// Package eventbus 事件总线类型定义
package eventbus

import (
	"strings"
)

// Message 总线上传递的一条消息
type Message struct {
	Channel string
	Payload []byte
}

// ============================================================================
// 频道名称和常量
// ============================================================================

const (
	// ChannelFleetEvents 观察者事件频道（终端状态变化、命令状态变化）
	ChannelFleetEvents = "fleet_events"

	// ChannelTerminalPushPrefix 设备推送频道前缀
	ChannelTerminalPushPrefix = "terminal_push:"

	// PatternTerminalPush 订阅全部设备推送频道
	PatternTerminalPush = ChannelTerminalPushPrefix + "*"

	// SubscriberBuffer 每个订阅者的缓冲长度，写满后丢弃新消息
	SubscriberBuffer = 100
)

// TerminalPushChannel 返回终端的推送频道
func TerminalPushChannel(terminalID string) string {
	return ChannelTerminalPushPrefix + terminalID
}

// TerminalIDFromChannel 从推送频道名解析终端 ID
func TerminalIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ChannelTerminalPushPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, ChannelTerminalPushPrefix)
	return id, id != ""
}
