// Package testutil 提供测试辅助工具
package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrWriteFailed RecordingTransport 写失败时返回
var ErrWriteFailed = errors.New("write failed")

// RecordingTransport 记录所有写入帧的传输，实现 connection.Transport
type RecordingTransport struct {
	mu          sync.Mutex
	frames      []map[string]any
	failing     bool
	closed      bool
	closeCode   int
	closeReason string
}

// NewRecordingTransport 创建记录传输
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// WriteJSON 序列化后记录帧
func (t *RecordingTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failing || t.closed {
		return ErrWriteFailed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	t.frames = append(t.frames, frame)
	return nil
}

// Close 记录关闭
func (t *RecordingTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	return nil
}

// SetFailing 设置后续写入是否失败
func (t *RecordingTransport) SetFailing(failing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing = failing
}

// Frames 已记录帧的副本
func (t *RecordingTransport) Frames() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]map[string]any(nil), t.frames...)
}

// Types 按顺序返回帧类型
func (t *RecordingTransport) Types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	types := make([]string, 0, len(t.frames))
	for _, f := range t.frames {
		s, _ := f["type"].(string)
		types = append(types, s)
	}
	return types
}

// FramesOfType 指定类型的帧
func (t *RecordingTransport) FramesOfType(typ string) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []map[string]any
	for _, f := range t.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// Closed 返回关闭状态、关闭码与原因
func (t *RecordingTransport) Closed() (bool, int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode, t.closeReason
}

// NewFakeClock 从固定时间开始的虚拟时钟
func NewFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
}

// DiscardLogger 丢弃输出的日志
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
