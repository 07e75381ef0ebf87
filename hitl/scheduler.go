package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// scheduler 管理干预请求的超时触发。
//
// 每个 pending 请求一个定时器；另有低频扫描兜底，覆盖定时器丢失
// （如 arm 前进程崩溃后的恢复窗口）。触发永不提前：Expire 自身会
// 再次校验 timeout_at，这里提前触发只会拿到 ErrDeadlineNotReached
// 并重新武装。
type scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	coord         *Coordinator
	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       bool
	logger        *zap.Logger
}

func newScheduler(coord *Coordinator, sweepInterval time.Duration, logger *zap.Logger) *scheduler {
	return &scheduler{
		timers:        make(map[string]*time.Timer),
		coord:         coord,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		logger:        logger.With(zap.String("component", "hitl_scheduler")),
	}
}

func (s *scheduler) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop()
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// arm 为请求设置超时定时器。重复 arm 会重置。
func (s *scheduler) arm(requestID string, timeoutAt time.Time) {
	d := time.Until(timeoutAt)
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[requestID]; ok {
		old.Stop()
	}
	s.timers[requestID] = time.AfterFunc(d, func() {
		s.fire(requestID, timeoutAt)
	})
}

// disarm 在请求终态化后移除定时器。
func (s *scheduler) disarm(requestID string) {
	s.mu.Lock()
	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
	s.mu.Unlock()
}

func (s *scheduler) fire(requestID string, timeoutAt time.Time) {
	s.mu.Lock()
	delete(s.timers, requestID)
	s.mu.Unlock()

	_, err := s.coord.Expire(context.Background(), requestID)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrDeadlineNotReached):
		// 定时器精度/时钟回拨导致早到：重新武装剩余时长
		s.arm(requestID, timeoutAt)
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNotFound):
		// 用户抢先响应或请求已取消，正常竞态
	default:
		s.logger.Warn("timeout expiration failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

// sweepLoop 兜底扫描：终态化所有已越过 timeout_at 的 pending 请求。
func (s *scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, id := range s.coord.overdue() {
				if _, err := s.coord.Expire(context.Background(), id); err != nil &&
					!errors.Is(err, ErrAlreadyResolved) &&
					!errors.Is(err, ErrNotFound) &&
					!errors.Is(err, ErrDeadlineNotReached) {
					s.logger.Warn("sweep expiration failed",
						zap.String("request_id", id), zap.Error(err))
				}
			}
		}
	}
}
