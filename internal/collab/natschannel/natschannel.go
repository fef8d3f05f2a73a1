// Package natschannel carries collaboration messages over NATS subjects.
package natschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"HiveMind-Copilot/internal/collab"
	"HiveMind-Copilot/pkg/logger"
)

// Channel 基于 NATS 连接实现 collab.Channel。
type Channel struct {
	conn *nats.Conn
}

// Connect 连接到 NATS 服务器。
func Connect(url string, opts ...nats.Option) (*Channel, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Channel{conn: conn}, nil
}

// New 复用已有连接。
func New(conn *nats.Conn) *Channel {
	return &Channel{conn: conn}
}

// Post 以 JSON 发布消息并等待服务器确认写入。
func (c *Channel) Post(ctx context.Context, topic string, msg collab.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := c.conn.Publish(topic, data); err != nil {
		return err
	}
	return c.flush(ctx)
}

// flush 等待服务器确认；FlushWithContext 要求 ctx 带截止时间。
func (c *Channel) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return c.conn.FlushWithContext(ctx)
	}
	return c.conn.Flush()
}

// Subscribe 订阅主题。无法解码的消息被丢弃。
func (c *Channel) Subscribe(ctx context.Context, topic string) (collab.Subscription, error) {
	raw := make(chan *nats.Msg, 64)
	sub, err := c.conn.ChanSubscribe(topic, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if err := c.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	s := &subscription{
		sub:  sub,
		out:  make(chan collab.Message, 64),
		stop: make(chan struct{}),
	}
	go s.pump(raw)
	return s, nil
}

// Close 关闭连接。
func (c *Channel) Close() {
	c.conn.Close()
}

type subscription struct {
	sub  *nats.Subscription
	out  chan collab.Message
	stop chan struct{}
	once sync.Once
}

func (s *subscription) pump(raw <-chan *nats.Msg) {
	log := logger.Named("collab.nats")
	for {
		select {
		case <-s.stop:
			return
		case m := <-raw:
			var msg collab.Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				log.Warn("丢弃无法解码的消息", "subject", m.Subject, "error", err)
				continue
			}
			select {
			case s.out <- msg:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan collab.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.sub.Unsubscribe()
	})
	return err
}

// Server 是进程内嵌的 NATS 服务器。
type Server struct {
	server *natsserver.Server
}

// ServerConfig 配置内嵌服务器。Port 为 -1 时随机选择端口。
type ServerConfig struct {
	Port     int
	StoreDir string
}

// StartServer 启动内嵌 NATS 服务器并等待其可接受连接。
func StartServer(cfg ServerConfig) (*Server, error) {
	if cfg.StoreDir != "" {
		if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
	}
	opts := &natsserver.Options{
		Port:     cfg.Port,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: cfg.StoreDir,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &Server{server: ns}, nil
}

// ClientURL 返回客户端连接地址。
func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

// Close 关闭服务器。
func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
