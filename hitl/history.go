package hitl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// HistoryRecord 干预历史条目。终态化时写入，供审计与回溯查询。
type HistoryRecord struct {
	ID             uint             `json:"-" gorm:"primaryKey;autoIncrement"`
	RequestID      string           `json:"request_id" gorm:"uniqueIndex;size:64;not null"`
	WorkflowID     string           `json:"workflow_id" gorm:"index;size:64;not null"`
	ConversationID string           `json:"conversation_id,omitempty" gorm:"index;size:64"`
	Type           InterventionType `json:"intervention_type" gorm:"index;size:32;not null"`
	Status         Status           `json:"status" gorm:"index;size:16;not null"`
	Action         Action           `json:"action,omitempty" gorm:"size:16"`
	Query          string           `json:"query,omitempty" gorm:"type:text"`        // 触发干预的用户问题
	SQL            string           `json:"sql,omitempty" gorm:"column:sql;type:text"` // 审查的 SQL（含修改后版本）
	Feedback       string           `json:"feedback,omitempty" gorm:"type:text"`
	RequestedAt    time.Time        `json:"requested_at" gorm:"index;not null"`
	ResolvedAt     time.Time        `json:"resolved_at" gorm:"index;not null"`
	ResponseTimeMs int64            `json:"response_time_ms"`
}

// TableName GORM 表名
func (HistoryRecord) TableName() string {
	return "hitl_history"
}

// HistoryFilter 历史查询过滤条件。零值字段不参与过滤。
type HistoryFilter struct {
	WorkflowID string
	Type       InterventionType
	Status     Status
	From       time.Time // requested_at >= From（含）
	To         time.Time // requested_at <= To（含）
	Search     string    // query/sql/feedback 子串匹配（大小写不敏感）
	Limit      int       // 默认 50，上限 500
	Offset     int
}

func (f *HistoryFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// HistoryStore 干预历史的持久层。
type HistoryStore interface {
	Record(ctx context.Context, rec *HistoryRecord) error
	List(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// historyFromResolution 从终态结论构建历史条目。
func historyFromResolution(req *Request, res *Resolution) *HistoryRecord {
	rec := &HistoryRecord{
		RequestID:      req.RequestID,
		WorkflowID:     req.WorkflowID,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Status:         res.Status,
		RequestedAt:    req.RequestedAt,
		ResolvedAt:     res.ResolvedAt,
		ResponseTimeMs: res.ResolvedAt.Sub(req.RequestedAt).Milliseconds(),
	}
	if q, ok := req.Context["query"].(string); ok {
		rec.Query = q
	}
	if sql, ok := req.Context["sql"].(string); ok {
		rec.SQL = sql
	}
	if res.Response != nil {
		rec.Action = res.Response.Action
		rec.Feedback = res.Response.Feedback
		if res.Response.ModifiedSQL != "" {
			rec.SQL = res.Response.ModifiedSQL
		}
	}
	return rec
}

// GormHistoryStore 基于 GORM 的历史存储。
type GormHistoryStore struct {
	db *gorm.DB
}

// NewGormHistoryStore 创建 GORM 历史存储。
func NewGormHistoryStore(db *gorm.DB) *GormHistoryStore {
	return &GormHistoryStore{db: db}
}

// Record 写入一条历史。request_id 唯一索引防重复。
func (s *GormHistoryStore) Record(ctx context.Context, rec *HistoryRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record hitl history: %w", err)
	}
	return nil
}

// List 按过滤条件查询历史，resolved_at 降序。
func (s *GormHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*HistoryRecord, error) {
	filter.normalize()
	q := s.db.WithContext(ctx).Model(&HistoryRecord{})
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		q = q.Where("requested_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("requested_at <= ?", filter.To)
	}
	if filter.Search != "" {
		needle := "%" + strings.ToLower(filter.Search) + "%"
		q = q.Where("LOWER(query) LIKE ? OR LOWER(sql) LIKE ? OR LOWER(feedback) LIKE ?",
			needle, needle, needle)
	}
	var out []*HistoryRecord
	err := q.Order("resolved_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list hitl history: %w", err)
	}
	return out, nil
}

// PurgeOlderThan 删除 resolved_at 早于 cutoff 的历史，返回删除行数。
func (s *GormHistoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("resolved_at < ?", cutoff).
		Delete(&HistoryRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge hitl history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MemoryHistoryStore 内存历史存储，供测试与无数据库部署使用。
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	records []*HistoryRecord
}

// NewMemoryHistoryStore 创建内存历史存储。
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

// Record 追加一条历史。
func (s *MemoryHistoryStore) Record(_ context.Context, rec *HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// List 按过滤条件查询历史。
func (s *MemoryHistoryStore) List(_ context.Context, filter HistoryFilter) ([]*HistoryRecord, error) {
	filter.normalize()
	s.mu.RLock()
	var matched []*HistoryRecord
	for _, rec := range s.records {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && rec.RequestedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.RequestedAt.After(filter.To) {
			continue
		}
		if filter.Search != "" && !matchSearch(rec, filter.Search) {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ResolvedAt.After(matched[j].ResolvedAt)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// PurgeOlderThan 删除 resolved_at 早于 cutoff 的历史。
func (s *MemoryHistoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*HistoryRecord
	var purged int64
	for _, rec := range s.records {
		if rec.ResolvedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return purged, nil
}

func matchSearch(rec *HistoryRecord, search string) bool {
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(rec.Query), needle) ||
		strings.Contains(strings.ToLower(rec.SQL), needle) ||
		strings.Contains(strings.ToLower(rec.Feedback), needle)
}
