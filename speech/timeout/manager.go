// Package timeout 按操作类别为任意工作施加截止时间，并提供可重置的会话计时器。
package timeout

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// Class 操作类别
type Class string

const (
	ClassSync      Class = "sync"
	ClassAsync     Class = "async"
	ClassStreaming Class = "streaming"
	ClassConnect   Class = "connect"
	ClassRead      Class = "read"
)

// Manager 保存各类别的截止时间。零值不可用，使用 NewManager 创建。
type Manager struct {
	deadlines map[Class]time.Duration
	fallback  time.Duration
	logger    *zap.Logger
	// 未知类别的告警限流，避免刷屏
	unknownWarn rate.Sometimes
}

// NewManager 创建超时管理器
func NewManager(cfg config.TimeoutConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := config.DefaultTimeoutConfig()
	pick := func(v, d time.Duration) time.Duration {
		if v <= 0 {
			return d
		}
		return v
	}

	m := &Manager{
		deadlines: map[Class]time.Duration{
			ClassSync:      pick(cfg.SyncRecognition, defaults.SyncRecognition),
			ClassAsync:     pick(cfg.AsyncRecognition, defaults.AsyncRecognition),
			ClassStreaming: pick(cfg.StreamingSession, defaults.StreamingSession),
			ClassConnect:   pick(cfg.Connect, defaults.Connect),
			ClassRead:      pick(cfg.Read, defaults.Read),
		},
		logger:      logger.With(zap.String("component", "timeout_manager")),
		unknownWarn: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	m.fallback = m.deadlines[ClassSync]
	return m
}

// Deadline 返回类别对应的截止时长，未知类别回退到 sync
func (m *Manager) Deadline(class Class) time.Duration {
	if d, ok := m.deadlines[class]; ok {
		return d
	}
	m.unknownWarn.Do(func() {
		m.logger.Warn("unknown timeout class, falling back to sync",
			zap.String("class", string(class)),
			zap.Duration("deadline", m.fallback))
	})
	return m.fallback
}

// Run 在类别截止时间内执行 work。超时时返回携带类别的 TIMEOUT 错误，
// 并取消 work 的 context；work 应当响应取消以回收资源。
func Run[T any](ctx context.Context, m *Manager, class Class, work func(ctx context.Context) (T, error)) (T, error) {
	deadline := m.Deadline(class)
	workCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := work(workCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && workCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return out.value, types.NewTimeoutError(string(class), out.err)
		}
		return out.value, out.err
	case <-workCtx.Done():
		var zero T
		if ctx.Err() != nil {
			// 调用方自己取消，不归为超时
			return zero, ctx.Err()
		}
		m.logger.Warn("operation timed out",
			zap.String("class", string(class)),
			zap.Duration("deadline", deadline))
		return zero, types.NewTimeoutError(string(class), workCtx.Err())
	}
}

// Future 异步执行的结果
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done 在结果就绪时关闭
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait 等待结果；ctx 结束时返回 ctx.Err()，不影响后台任务的截止时间
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RunAsync 非阻塞版本的 Run，语义相同
func RunAsync[T any](ctx context.Context, m *Manager, class Class, work func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = Run(ctx, m, class, work)
	}()
	return f
}
