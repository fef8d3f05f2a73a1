package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Delivery 是队列中流转的一条记录。任务正文留在 Store 中，队列只携带路由所需的信息。
type Delivery struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind,omitempty"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// NewDelivery 为任务生成一条投递记录，attempt 为即将进行的执行序号。
func NewDelivery(t *Task) Delivery {
	return Delivery{
		TaskID:     t.ID,
		Kind:       t.Kind,
		Attempt:    t.Attempts + 1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

// Waited 返回记录在队列中停留的时长。
func (d Delivery) Waited(now time.Time) time.Duration {
	if d.EnqueuedAt <= 0 {
		return 0
	}
	if w := now.Sub(time.UnixMilli(d.EnqueuedAt)); w > 0 {
		return w
	}
	return 0
}

func (d Delivery) encode() ([]byte, error) {
	return json.Marshal(d)
}

// decodeDelivery 解析队列消息。只有任务 ID 的纯文本消息也被接受。
func decodeDelivery(raw []byte) (Delivery, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Delivery{}, fmt.Errorf("空的队列消息")
	}
	if trimmed[0] != '{' {
		return Delivery{TaskID: string(trimmed)}, nil
	}
	var d Delivery
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Delivery{}, fmt.Errorf("解析队列消息失败: %w", err)
	}
	if strings.TrimSpace(d.TaskID) == "" {
		return Delivery{}, fmt.Errorf("队列消息缺少 task_id")
	}
	return d, nil
}

// Handler 处理一条投递。返回错误表示消息应当重新投递。
type Handler func(ctx context.Context, d Delivery) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, d Delivery) error
	Close() error
}

// Consumer 以固定数量的工作协程消费队列，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
