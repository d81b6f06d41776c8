package connection

import "sync"

// Verdict 去重判定结果
type Verdict int

const (
	// Accepted 已登记，可以处理
	Accepted Verdict = iota
	// Duplicate 同一消息正在处理
	Duplicate
	// Busy 会话有另一条消息正在处理
	Busy
)

// String 返回判定名称
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// OK 是否可以处理
func (v Verdict) OK() bool {
	return v == Accepted
}

// Deduplicator 每个会话至多一条在途消息
// 释放后同一 ID 可再次被接受，只对并发重复生效
type Deduplicator struct {
	mu       sync.Mutex
	inFlight map[string]string // sessionID -> messageID
}

// NewDeduplicator 创建去重器
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{inFlight: make(map[string]string)}
}

// Accept 尝试登记消息
func (d *Deduplicator) Accept(sessionID, messageID string) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.inFlight[sessionID]; ok {
		if current == messageID {
			return Duplicate
		}
		return Busy
	}
	d.inFlight[sessionID] = messageID
	return Accepted
}

// Release 清除登记，仅当 messageID 与在途消息一致时生效
func (d *Deduplicator) Release(sessionID, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight[sessionID] == messageID {
		delete(d.inFlight, sessionID)
	}
}

// InFlight 当前在途消息
func (d *Deduplicator) InFlight(sessionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.inFlight[sessionID]
	return id, ok
}

// Len 在途消息数
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
