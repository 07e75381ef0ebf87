package hitl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GormRequestStore 基于 GORM 的请求持久化实现（PostgreSQL / SQLite）。
type GormRequestStore struct {
	db *gorm.DB
}

// NewGormRequestStore 创建 GORM 请求存储。
func NewGormRequestStore(db *gorm.DB) *GormRequestStore {
	return &GormRequestStore{db: db}
}

// AutoMigrate 创建/更新干预相关表结构。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Request{}, &HistoryRecord{}, &PreferenceRecord{}); err != nil {
		return fmt.Errorf("hitl auto migrate: %w", err)
	}
	return nil
}

// Create 插入一条新请求。
func (s *GormRequestStore) Create(ctx context.Context, req *Request) error {
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("create hitl request: %w", err)
	}
	return nil
}

// Get 按 ID 查询请求。
func (s *GormRequestStore) Get(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	err := s.db.WithContext(ctx).First(&req, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hitl request: %w", err)
	}
	return &req, nil
}

// ListPending 返回全部 pending 请求。
func (s *GormRequestStore) ListPending(ctx context.Context) ([]*Request, error) {
	var out []*Request
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("requested_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list pending hitl requests: %w", err)
	}
	return out, nil
}

// ListPendingByWorkflow 返回某工作流的 pending 请求。
func (s *GormRequestStore) ListPendingByWorkflow(ctx context.Context, workflowID string) ([]*Request, error) {
	var out []*Request
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, StatusPending).
		Order("requested_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list pending by workflow: %w", err)
	}
	return out, nil
}

// MarkResolved 条件更新：WHERE status='pending' 保证并发与跨实例下只有一个赢家。
func (s *GormRequestStore) MarkResolved(ctx context.Context, requestID string, status Status, respondedAt time.Time, responseTimeMs int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Request{}).
		Where("request_id = ? AND status = ?", requestID, StatusPending).
		Updates(map[string]any{
			"status":           status,
			"responded_at":     respondedAt,
			"response_time_ms": responseTimeMs,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark hitl request resolved: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// 区分「不存在」与「已终态」
		var count int64
		if err := s.db.WithContext(ctx).Model(&Request{}).
			Where("request_id = ?", requestID).Count(&count).Error; err != nil {
			return false, fmt.Errorf("mark hitl request resolved: %w", err)
		}
		if count == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}
