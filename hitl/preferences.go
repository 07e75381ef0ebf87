package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Preferences 用户级干预偏好。
type Preferences struct {
	NotifySlack           bool               `json:"notify_slack"`
	NotifyEmail           bool               `json:"notify_email"`
	Email                 string             `json:"email,omitempty"`
	MutedTypes            []InterventionType `json:"muted_types,omitempty"`             // 不发外部提醒的干预类型
	DefaultTimeoutSeconds int                `json:"default_timeout_seconds,omitempty"` // 0 表示用服务端默认
	AutoApproveReadOnly   bool               `json:"auto_approve_read_only"`            // 非必需的 sql_review 超时视同批准
}

// DefaultPreferences 返回默认偏好。
func DefaultPreferences() *Preferences {
	return &Preferences{
		NotifySlack: true,
		NotifyEmail: false,
	}
}

// Muted 报告某干预类型是否被静音。
func (p *Preferences) Muted(t InterventionType) bool {
	for _, m := range p.MutedTypes {
		if m == t {
			return true
		}
	}
	return false
}

// PreferenceRecord 偏好的持久化形态。
type PreferenceRecord struct {
	UserID      string       `json:"user_id" gorm:"primaryKey;size:64"`
	Preferences *Preferences `json:"preferences" gorm:"serializer:json;not null"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName GORM 表名
func (PreferenceRecord) TableName() string {
	return "hitl_preferences"
}

// PreferenceStore 用户偏好的持久层。Get 对未知用户返回默认偏好。
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (*Preferences, error)
	Put(ctx context.Context, userID string, prefs *Preferences) error
}

// GormPreferenceStore 基于 GORM 的偏好存储。
type GormPreferenceStore struct {
	db *gorm.DB
}

// NewGormPreferenceStore 创建 GORM 偏好存储。
func NewGormPreferenceStore(db *gorm.DB) *GormPreferenceStore {
	return &GormPreferenceStore{db: db}
}

// Get 查询用户偏好，未设置过时返回默认值。
func (s *GormPreferenceStore) Get(ctx context.Context, userID string) (*Preferences, error) {
	var rec PreferenceRecord
	err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hitl preferences: %w", err)
	}
	return rec.Preferences, nil
}

// Put 全量覆盖用户偏好（upsert）。
func (s *GormPreferenceStore) Put(ctx context.Context, userID string, prefs *Preferences) error {
	rec := &PreferenceRecord{
		UserID:      userID,
		Preferences: prefs,
		UpdatedAt:   time.Now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("put hitl preferences: %w", err)
	}
	return nil
}

// MemoryPreferenceStore 内存偏好存储，供测试与无数据库部署使用。
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]*Preferences
}

// NewMemoryPreferenceStore 创建内存偏好存储。
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]*Preferences)}
}

// Get 查询用户偏好。
func (s *MemoryPreferenceStore) Get(_ context.Context, userID string) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[userID]; ok {
		cp := *p
		cp.MutedTypes = append([]InterventionType(nil), p.MutedTypes...)
		return &cp, nil
	}
	return DefaultPreferences(), nil
}

// Put 覆盖用户偏好。
func (s *MemoryPreferenceStore) Put(_ context.Context, userID string, prefs *Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	cp.MutedTypes = append([]InterventionType(nil), prefs.MutedTypes...)
	s.prefs[userID] = &cp
	return nil
}
