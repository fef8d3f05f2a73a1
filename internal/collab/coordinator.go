package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/pkg/logger"
)

const (
	// CodeCollaborationTimeout 表示协作代理在截止时间前没有回复。
	CodeCollaborationTimeout xerrors.Code = "COLLABORATION_TIMEOUT"
	// CodeCollaborationFailed 表示协作消息无法投递。
	CodeCollaborationFailed xerrors.Code = "COLLABORATION_FAILED"
)

func init() {
	xerrors.Register(CodeCollaborationTimeout, xerrors.Attributes{Message: "collaboration reply timed out", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusGatewayTimeout})
	xerrors.Register(CodeCollaborationFailed, xerrors.Attributes{Message: "collaboration channel failure", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway})
}

// State 是协作会话的状态。
type State string

const (
	StateOpened        State = "opened"
	StateAwaitingReply State = "awaiting_reply"
	StateResolved      State = "resolved"
	StateTimedOut      State = "timed_out"
)

// Status 是轮询结果。
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusTimedOut Status = "timed_out"
)

// Session 是协作会话的只读快照。
type Session struct {
	ID            string    `json:"session_id"`
	TopicRef      string    `json:"topic_ref"`
	ReplyTopic    string    `json:"reply_topic"`
	Initiator     string    `json:"initiator"`
	Counterparty  string    `json:"counterparty"`
	CorrelationID string    `json:"correlation_id"`
	State         State     `json:"state"`
	OpenedAt      time.Time `json:"opened_at"`
	Deadline      time.Time `json:"deadline"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
	LateReplies   int       `json:"late_replies,omitempty"`
}

// PollResult 描述会话当前进展。
type PollResult struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Session Session         `json:"session"`
}

// Handler 处理发往本代理收件箱的请求并返回回复内容。
type Handler func(ctx context.Context, msg Message) (json.RawMessage, error)

type session struct {
	info  Session
	reply json.RawMessage
	done  chan struct{}
}

// Option 配置 Coordinator。
type Option func(*Coordinator)

// WithReplyTimeout 设置等待回复的截止时间。
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.replyTimeout = d
		}
	}
}

// WithPollBackoff 设置 Await 的轮询退避区间。
func WithPollBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Coordinator) {
		if initial > 0 {
			c.pollInitial = initial
		}
		if maxInterval >= c.pollInitial {
			c.pollMax = maxInterval
		}
	}
}

// WithArchiveLimit 限制保留的已关闭会话数量。
func WithArchiveLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.archiveLimit = n
		}
	}
}

// Coordinator 管理本代理发起的协作会话，并可响应其他代理的请求。
type Coordinator struct {
	channel      Channel
	agentID      string
	replyTimeout time.Duration
	pollInitial  time.Duration
	pollMax      time.Duration
	archiveLimit int
	log          *slog.Logger

	mu           sync.Mutex
	active       map[string]*session
	archived     map[string]*session
	archiveOrder []string
	correlations map[string]struct{}
}

// NewCoordinator 创建协调器。
func NewCoordinator(channel Channel, agentID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		channel:      channel,
		agentID:      agentID,
		replyTimeout: 30 * time.Second,
		pollInitial:  50 * time.Millisecond,
		pollMax:      2 * time.Second,
		archiveLimit: 1024,
		log:          logger.Named("collab").With("agent", agentID),
		active:       make(map[string]*session),
		archived:     make(map[string]*session),
		correlations: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open 向对端代理发送请求并返回会话 ID。回复订阅在发送之前建立。
func (c *Coordinator) Open(ctx context.Context, counterparty string, payload json.RawMessage) (string, error) {
	if counterparty == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "counterparty 不能为空")
	}
	sub, err := c.channel.Subscribe(ctx, ReplyTopic(c.agentID))
	if err != nil {
		return "", xerrors.Wrap(CodeCollaborationFailed, err, "订阅回复主题失败")
	}

	now := time.Now()
	s := &session{
		info: Session{
			ID:           uuid.NewString(),
			TopicRef:     InboxTopic(counterparty),
			ReplyTopic:   ReplyTopic(c.agentID),
			Initiator:    c.agentID,
			Counterparty: counterparty,
			State:        StateOpened,
			OpenedAt:     now,
			Deadline:     now.Add(c.replyTimeout),
		},
		done: make(chan struct{}),
	}
	c.mu.Lock()
	s.info.CorrelationID = c.newCorrelationLocked()
	c.active[s.info.ID] = s
	c.mu.Unlock()

	msg := Message{
		CorrelationID: s.info.CorrelationID,
		SessionID:     s.info.ID,
		From:          c.agentID,
		To:            counterparty,
		Kind:          KindRequest,
		Payload:       payload,
		SentAt:        now,
	}
	if err := c.channel.Post(ctx, s.info.TopicRef, msg); err != nil {
		_ = sub.Close()
		c.mu.Lock()
		delete(c.active, s.info.ID)
		delete(c.correlations, s.info.CorrelationID)
		c.mu.Unlock()
		return "", xerrors.Wrap(CodeCollaborationFailed, err, "发送协作请求失败", xerrors.WithMetadata("counterparty", counterparty))
	}

	c.mu.Lock()
	if s.info.State == StateOpened {
		s.info.State = StateAwaitingReply
	}
	c.mu.Unlock()

	go c.watch(s, sub)
	c.log.Debug("协作会话已打开", "session_id", s.info.ID, "counterparty", counterparty)
	return s.info.ID, nil
}

func (c *Coordinator) newCorrelationLocked() string {
	for {
		id := uuid.NewString()
		if _, used := c.correlations[id]; used {
			continue
		}
		c.correlations[id] = struct{}{}
		return id
	}
}

// watch 等待与会话关联的回复。会话超时后继续监听一个回复超时长度的窗口，
// 期间到达的回复只计数，不改变会话结果。
func (c *Coordinator) watch(s *session, sub Subscription) {
	defer sub.Close()
	deadline := time.NewTimer(time.Until(s.info.Deadline))
	defer deadline.Stop()
	linger := time.NewTimer(time.Until(s.info.Deadline.Add(c.replyTimeout)))
	defer linger.Stop()

	messages := sub.Messages()
	done := s.done
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if msg.Kind != KindReply || msg.CorrelationID != s.info.CorrelationID {
				continue
			}
			if c.resolve(s, msg.Payload) {
				return
			}
		case <-deadline.C:
			c.mu.Lock()
			c.expireLocked(s)
			c.mu.Unlock()
		case <-done:
			done = nil
			c.mu.Lock()
			resolved := s.info.State == StateResolved
			c.mu.Unlock()
			if resolved {
				return
			}
		case <-linger.C:
			return
		}
	}
}

// resolve 记录回复并报告会话是否由此完成；会话已关闭时回复计为迟到。
func (c *Coordinator) resolve(s *session, payload json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.info.State != StateAwaitingReply && s.info.State != StateOpened {
		s.info.LateReplies++
		c.log.Info("丢弃迟到的协作回复", "session_id", s.info.ID, "state", s.info.State)
		return false
	}
	s.info.State = StateResolved
	s.reply = payload
	c.closeLocked(s)
	return true
}

func (c *Coordinator) expireLocked(s *session) {
	if s.info.State != StateAwaitingReply && s.info.State != StateOpened {
		return
	}
	s.info.State = StateTimedOut
	c.closeLocked(s)
	c.log.Warn("协作会话超时", "session_id", s.info.ID, "counterparty", s.info.Counterparty)
}

func (c *Coordinator) closeLocked(s *session) {
	s.info.ClosedAt = time.Now()
	close(s.done)
	delete(c.active, s.info.ID)
	c.archived[s.info.ID] = s
	c.archiveOrder = append(c.archiveOrder, s.info.ID)
	for len(c.archiveOrder) > c.archiveLimit {
		oldest := c.archiveOrder[0]
		c.archiveOrder = c.archiveOrder[1:]
		if evicted, ok := c.archived[oldest]; ok {
			delete(c.correlations, evicted.info.CorrelationID)
			delete(c.archived, oldest)
		}
	}
}

func (c *Coordinator) lookupLocked(sessionID string) (*session, bool) {
	if s, ok := c.active[sessionID]; ok {
		return s, true
	}
	s, ok := c.archived[sessionID]
	return s, ok
}

// Poll 返回会话当前状态，不阻塞。
func (c *Coordinator) Poll(sessionID string) (PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.lookupLocked(sessionID)
	if !ok {
		return PollResult{}, xerrors.New(xerrors.CodeNotFound, "协作会话不存在", xerrors.WithMetadata("session_id", sessionID))
	}
	if s.info.State == StateAwaitingReply && time.Now().After(s.info.Deadline) {
		c.expireLocked(s)
	}
	res := PollResult{Session: s.info}
	switch s.info.State {
	case StateResolved:
		res.Status = StatusResolved
		res.Payload = s.reply
	case StateTimedOut:
		res.Status = StatusTimedOut
	default:
		res.Status = StatusPending
	}
	return res, nil
}

// Await 以指数退避轮询会话，直到得到回复、超时或 ctx 结束。
func (c *Coordinator) Await(ctx context.Context, sessionID string) (PollResult, error) {
	c.mu.Lock()
	s, ok := c.lookupLocked(sessionID)
	c.mu.Unlock()
	if !ok {
		return PollResult{}, xerrors.New(xerrors.CodeNotFound, "协作会话不存在", xerrors.WithMetadata("session_id", sessionID))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInitial
	b.MaxInterval = c.pollMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		res, err := c.Poll(sessionID)
		if err != nil {
			return PollResult{}, err
		}
		switch res.Status {
		case StatusResolved:
			return res, nil
		case StatusTimedOut:
			return res, xerrors.New(CodeCollaborationTimeout, fmt.Sprintf("%s 未在截止时间前回复", res.Session.Counterparty),
				xerrors.WithMetadata("session_id", sessionID))
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, xerrors.FromContext(ctx.Err(), "等待协作回复中断", xerrors.WithMetadata("session_id", sessionID))
		case <-s.done:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Serve 监听本代理收件箱并用 handler 的结果回复，直到 ctx 结束。
func (c *Coordinator) Serve(ctx context.Context, handler Handler) error {
	sub, err := c.channel.Subscribe(ctx, InboxTopic(c.agentID))
	if err != nil {
		return xerrors.Wrap(CodeCollaborationFailed, err, "订阅收件箱失败")
	}
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Kind != KindRequest {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.answer(ctx, msg, handler)
			}()
		}
	}
}

func (c *Coordinator) answer(ctx context.Context, msg Message, handler Handler) {
	payload, err := handler(ctx, msg)
	if err != nil {
		c.log.Warn("处理协作请求失败", "from", msg.From, "session_id", msg.SessionID, "error", err)
		return
	}
	reply := Message{
		CorrelationID: msg.CorrelationID,
		SessionID:     msg.SessionID,
		From:          c.agentID,
		To:            msg.From,
		Kind:          KindReply,
		Payload:       payload,
		SentAt:        time.Now(),
	}
	if err := c.channel.Post(ctx, ReplyTopic(msg.From), reply); err != nil {
		c.log.Warn("发送协作回复失败", "to", msg.From, "error", err)
	}
}
