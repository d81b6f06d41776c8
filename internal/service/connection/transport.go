// Package connection 管理 WebSocket 会话：注册、发送、广播、去重与空闲回收
package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseReplaced 同一会话被新连接替换时使用的关闭码
const CloseReplaced = 4000

// Transport 单个客户端连接的写端
type Transport interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// WSTransport 基于 gorilla/websocket 的 Transport
// gorilla 连接不支持并发写，所有写操作经由 mu 串行
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWSTransport 创建 WebSocket 传输
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// WriteJSON 写入 JSON 帧
func (t *WSTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Ping 发送 ping 控制帧
func (t *WSTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close 发送关闭帧并关闭底层连接，重复调用无副作用
func (t *WSTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// 对端可能已经断开，关闭帧发送失败可以忽略
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
