package hitl

import (
	"context"
	"sync"
	"time"
)

// RequestStore 干预请求的持久层。
//
// MarkResolved 必须是条件更新（仅当当前状态为 pending 时生效），
// 这是跨实例/跨重启场景下 exactly-once 终态化的最后防线。
type RequestStore interface {
	// Create 插入一条新的 pending 请求。
	Create(ctx context.Context, req *Request) error

	// Get 按 ID 查询请求。不存在时返回 ErrNotFound。
	Get(ctx context.Context, requestID string) (*Request, error)

	// ListPending 返回全部 pending 请求（服务重启恢复用）。
	ListPending(ctx context.Context) ([]*Request, error)

	// ListPendingByWorkflow 返回某工作流的 pending 请求。
	ListPendingByWorkflow(ctx context.Context, workflowID string) ([]*Request, error)

	// MarkResolved 条件更新：status='pending' 时写入终态并返回 true；
	// 已是终态时返回 false（不报错）。不存在时返回 ErrNotFound。
	MarkResolved(ctx context.Context, requestID string, status Status, respondedAt time.Time, responseTimeMs int64) (bool, error)
}

// MemoryRequestStore 内存实现，供测试与无数据库部署使用。
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryRequestStore 创建内存请求存储。
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*Request),
	}
}

// Create 插入一条新请求。
func (s *MemoryRequestStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.RequestID] = req.Clone()
	return nil
}

// Get 按 ID 查询请求。
func (s *MemoryRequestStore) Get(_ context.Context, requestID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// ListPending 返回全部 pending 请求。
func (s *MemoryRequestStore) ListPending(_ context.Context) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

// ListPendingByWorkflow 返回某工作流的 pending 请求。
func (s *MemoryRequestStore) ListPendingByWorkflow(_ context.Context, workflowID string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.WorkflowID == workflowID && req.Status == StatusPending {
			out = append(out, req.Clone())
		}
	}
	return out, nil
}

// MarkResolved 条件更新终态。
func (s *MemoryRequestStore) MarkResolved(_ context.Context, requestID string, status Status, respondedAt time.Time, responseTimeMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if req.Status != StatusPending {
		return false, nil
	}
	req.Status = status
	req.RespondedAt = &respondedAt
	req.ResponseTimeMs = &responseTimeMs
	return true, nil
}
