package collab

import (
	"context"
	"encoding/json"
	"time"
)

// MessageKind 区分请求与回复。
type MessageKind string

const (
	KindRequest MessageKind = "request"
	KindReply   MessageKind = "reply"
)

// Message 是代理之间交换的信封。
type Message struct {
	CorrelationID string          `json:"correlation_id"`
	SessionID     string          `json:"session_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Kind          MessageKind     `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
}

// Subscription 是一个主题上的消息流。Messages 返回的通道不保证会被关闭，
// 消费方需要同时监听自己的上下文。
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Channel 是主题寻址的发布订阅传输。
type Channel interface {
	Post(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

const topicPrefix = "hivemind.agent."

// InboxTopic 返回代理接收请求的主题。
func InboxTopic(agentID string) string {
	return topicPrefix + agentID + ".inbox"
}

// ReplyTopic 返回代理接收回复的主题。
func ReplyTopic(agentID string) string {
	return topicPrefix + agentID + ".replies"
}
