// Package tasks runs fire-and-forget background work with a bounded
// concurrency limit. Failures never reach the caller; they are written to
// the structured log instead.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Spawner 基于 errgroup 调度后台任务，超出上限时拒绝新任务而非排队。
type Spawner struct {
	logger *logrus.Logger
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewSpawner 创建 Spawner，limit <= 0 表示不限制并发。
func NewSpawner(logger *logrus.Logger, limit int) *Spawner {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &Spawner{
		logger: logger,
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context 返回后台任务共享的上下文，Close 时取消。
func (s *Spawner) Context() context.Context {
	return s.ctx
}

// Go 尝试启动名为 name 的任务；已关闭或达到并发上限时返回 false。
func (s *Spawner) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.WithFields(logrus.Fields{"action": "background", "task": name}).
			Debug("spawner closed, task dropped")
		return false
	}

	started := s.group.TryGo(func() error {
		s.run(name, fn)
		return nil
	})
	if !started {
		s.logger.WithFields(logrus.Fields{"action": "background", "task": name}).
			Warn("background task limit reached, task skipped")
	}
	return started
}

func (s *Spawner) run(name string, fn func(ctx context.Context) error) {
	started := time.Now()
	fields := logrus.Fields{"action": "background", "task": name}
	defer func() {
		if r := recover(); r != nil {
			fields["elapsed_ms"] = time.Since(started).Milliseconds()
			s.logger.WithFields(fields).WithError(fmt.Errorf("panic: %v", r)).Error("background task panicked")
		}
	}()

	err := fn(s.ctx)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Debug("background task failed")
		return
	}
	s.logger.WithFields(fields).Debug("background task complete")
}

// Wait 阻塞到当前已启动的任务全部结束。
func (s *Spawner) Wait() {
	_ = s.group.Wait()
}

// Close 拒绝新任务、取消共享上下文并等待在途任务退出。可重复调用。
func (s *Spawner) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.group.Wait()
}
