package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashwinyue/chatbet/internal/model"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRow 会话表
type SessionRow struct {
	ID        string                    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string                    `gorm:"type:varchar(128);index"`
	Context   model.ConversationContext `gorm:"serializer:json"`
	CreatedAt time.Time                 `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time                 `gorm:"autoUpdateTime:false;index"`
}

// TableName 指定表名
func (SessionRow) TableName() string {
	return "chat_sessions"
}

// MessageRow 消息表，Seq 为会话内的追加序号
type MessageRow struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	SessionID      string `gorm:"type:varchar(64);index:idx_session_seq"`
	Seq            int    `gorm:"index:idx_session_seq"`
	Role           string `gorm:"type:varchar(16);not null"`
	Content        string `gorm:"type:text"`
	Timestamp      time.Time
	DetectedIntent *string `gorm:"type:varchar(64)"`
	Confidence     *float64
	ResponseTimeMs int64
	FunctionCalls  []string `gorm:"serializer:json"`
}

// TableName 指定表名
func (MessageRow) TableName() string {
	return "chat_messages"
}

// Models 需要迁移的表
func Models() []any {
	return []any{&SessionRow{}, &MessageRow{}}
}

func toRows(conv *model.Conversation, from int) (SessionRow, []MessageRow) {
	snap := conv.Page(0, 0)
	row := SessionRow{
		ID:        snap.ID,
		UserID:    snap.Context.UserID,
		Context:   snap.Context,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if from > len(snap.Messages) {
		from = len(snap.Messages)
	}

	msgs := make([]MessageRow, 0, len(snap.Messages)-from)
	for i, m := range snap.Messages[from:] {
		r := MessageRow{
			ID:             m.ID,
			SessionID:      snap.ID,
			Seq:            from + i,
			Role:           string(m.Role),
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Confidence:     m.Confidence,
			ResponseTimeMs: m.ResponseTimeMs,
			FunctionCalls:  m.FunctionCalls,
		}
		if m.DetectedIntent != nil {
			intent := string(*m.DetectedIntent)
			r.DetectedIntent = &intent
		}
		msgs = append(msgs, r)
	}
	return row, msgs
}

func fromRows(row SessionRow, msgs []MessageRow) *model.Conversation {
	conv := &model.Conversation{
		ID:        row.ID,
		Messages:  make([]*model.ChatMessage, 0, len(msgs)),
		Context:   row.Context,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	for _, r := range msgs {
		m := &model.ChatMessage{
			ID:             r.ID,
			Role:           model.MessageRole(r.Role),
			Content:        r.Content,
			Timestamp:      r.Timestamp,
			Confidence:     r.Confidence,
			ResponseTimeMs: r.ResponseTimeMs,
			FunctionCalls:  r.FunctionCalls,
		}
		if r.DetectedIntent != nil {
			intent := model.Intent(*r.DetectedIntent)
			m.DetectedIntent = &intent
		}
		conv.Messages = append(conv.Messages, m)
	}
	return conv
}

// PostgresStore 内存缓存 + PostgreSQL 持久化
// 消息只追加，每次保存只写入新增的消息
type PostgresStore struct {
	cache  *MemoryStore
	db     *gorm.DB
	logger *slog.Logger
	loads  singleflight.Group

	mu    sync.Mutex
	saved map[string]int // 已写入数据库的消息数
}

// NewPostgresStore 创建 PostgreSQL 存储，表需已通过 Models 迁移
func NewPostgresStore(db *gorm.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		cache:  NewMemoryStore(),
		db:     db,
		logger: logger,
		saved:  make(map[string]int),
	}
}

// Get 获取会话，缓存未命中时从数据库加载
// 并发的冷加载合并为一次，回填缓存后所有调用方拿到同一指针
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Conversation, bool, error) {
	if conv, ok, _ := s.cache.Get(ctx, id); ok {
		return conv, true, nil
	}

	v, err, _ := s.loads.Do(id, func() (any, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		return nil, false, err
	}
	conv, _ := v.(*model.Conversation)
	return conv, conv != nil, nil
}

func (s *PostgresStore) load(ctx context.Context, id string) (*model.Conversation, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	var msgs []MessageRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", id, err)
	}

	conv, loaded := s.cache.LoadOrStore(fromRows(row, msgs))
	if !loaded {
		s.mu.Lock()
		s.saved[id] = len(msgs)
		s.mu.Unlock()
	}
	return conv, nil
}

// Save 写入缓存并同步到数据库
// 数据库写失败只记录日志，内存中的会话仍然可用
func (s *PostgresStore) Save(ctx context.Context, conv *model.Conversation) error {
	_ = s.cache.Save(ctx, conv)

	s.mu.Lock()
	defer s.mu.Unlock()

	row, msgs := toRows(conv, s.saved[conv.ID])
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "context", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&msgs).Error
	})
	if err != nil {
		s.logger.Warn("failed to persist conversation",
			"session_id", conv.ID,
			"error", err)
		return nil
	}
	s.saved[conv.ID] += len(msgs)
	return nil
}

// Delete 删除会话及其消息
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_ = s.cache.Delete(ctx, id)
	s.mu.Lock()
	delete(s.saved, id)
	s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageRow{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&SessionRow{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// ListByUser 按创建时间排序的用户会话，包括仅存在于数据库中的
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&SessionRow{}).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[id] = struct{}{}
			out = append(out, conv)
		}
	}

	// 写库失败的会话只存在于缓存
	local, _ := s.cache.ListByUser(ctx, userID)
	for _, conv := range local {
		if _, ok := seen[conv.ID]; !ok {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Sweep 删除最后活动早于 olderThan 的会话，返回数据库中删除的会话数
func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	local, _ := s.cache.Sweep(ctx, olderThan)

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&SessionRow{}).Select("id").Where("updated_at < ?", olderThan)
		if err := tx.Where("session_id IN (?)", stale).Delete(&MessageRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("updated_at < ?", olderThan).Delete(&SessionRow{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return local, fmt.Errorf("sweep conversations: %w", err)
	}

	s.mu.Lock()
	for id := range s.saved {
		if _, ok, _ := s.cache.Get(ctx, id); !ok {
			delete(s.saved, id)
		}
	}
	s.mu.Unlock()
	return int(removed), nil
}

// Len 本地缓存中的会话数
func (s *PostgresStore) Len() int {
	return s.cache.Len()
}
