package broker

import (
	"context"
	"time"
)

// Message 是经过 Broker 路由的一条应用消息
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	// Origin 是发布者的 clientID，内部发布为空
	Origin    string
	CreatedAt time.Time
}

// Copy 返回浅拷贝，payload 被视为只读共享
func (m *Message) Copy() *Message {
	c := *m
	return &c
}

// Subscription 是会话中的一条订阅
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
}

// Subscriber 是一个在线会话在 Broker 中的投递端。Deliver 不能阻塞，
// 队列满时返回错误并由会话自行处理（通常是驱逐）。
type Subscriber interface {
	ClientID() string
	Deliver(msg *Message, qos byte, retained bool) error
}

// PublishHook 在每条消息路由后被调用，用于设备报文翻译等旁路处理
type PublishHook func(msg *Message)

// RetainedBackend 持久化保留消息，内存中的副本始终是权威数据
type RetainedBackend interface {
	LoadRetained(ctx context.Context) ([]*Message, error)
	SaveRetained(ctx context.Context, msg *Message) error
	DeleteRetained(ctx context.Context, topic string) error
}
