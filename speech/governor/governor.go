// Package governor 管控语音工作的并发资源：同步/异步两个有界协程池、
// 三个准入计数器（同步任务、异步任务、流式会话）以及临时文件的生命周期。
package governor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/pool"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// 操作类别
const (
	ClassSync      = "sync"
	ClassAsync     = "async"
	ClassStreaming = "streaming"
)

// Task 提交给治理器的工作单元
type Task = pool.Task

// =============================================================================
// 🎯 Governor
// =============================================================================

// Governor 资源治理器。准入计数器独立于协程池容量：
// 即使池仍有空闲，超过准入上限的任务也会被拒绝。
type Governor struct {
	syncPool  *pool.BoundedPool
	asyncPool *pool.BoundedPool

	syncActive      atomic.Int64
	asyncActive     atomic.Int64
	streamingActive atomic.Int64
	maxSync         int64
	maxAsync        int64
	maxStreaming    int64

	syncRejected      atomic.Int64
	asyncRejected     atomic.Int64
	streamingRejected atomic.Int64

	tempDir         string
	tempSeq         atomic.Uint64
	tempRetention   time.Duration
	cleanupInterval time.Duration
	shutdownGrace   time.Duration

	rejections RejectionRecorder
	logger     *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// RejectionRecorder 准入拒绝计数，*metrics.Collector 实现该接口
type RejectionRecorder interface {
	RecordAdmissionRejected(class string)
}

// Option 治理器选项
type Option func(*Governor)

// WithRejectionRecorder 设置准入拒绝上报
func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(g *Governor) { g.rejections = r }
}

// New 创建资源治理器并确保临时目录存在
func New(cfg config.GovernorConfig, logger *zap.Logger, opts ...Option) (*Governor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "governor"))

	panicHandler := func(r any) {
		logger.Error("task panicked", zap.Any("recovered", r), zap.Stack("stack"))
	}

	syncPool, err := pool.NewBoundedPool(pool.BoundedPoolConfig{
		Name:         ClassSync,
		CoreWorkers:  cfg.SyncCoreWorkers,
		MaxWorkers:   cfg.SyncMaxWorkers,
		QueueSize:    cfg.SyncQueueSize,
		IdleTimeout:  cfg.WorkerIdleTimeout,
		PanicHandler: panicHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("create sync pool: %w", err)
	}
	asyncPool, err := pool.NewBoundedPool(pool.BoundedPoolConfig{
		Name:         ClassAsync,
		CoreWorkers:  cfg.AsyncCoreWorkers,
		MaxWorkers:   cfg.AsyncMaxWorkers,
		QueueSize:    cfg.AsyncQueueSize,
		IdleTimeout:  cfg.WorkerIdleTimeout,
		PanicHandler: panicHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("create async pool: %w", err)
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "speech-recognition")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", tempDir, err)
	}

	g := &Governor{
		syncPool:        syncPool,
		asyncPool:       asyncPool,
		maxSync:         int64(cfg.MaxSyncTasks),
		maxAsync:        int64(cfg.MaxAsyncTasks),
		maxStreaming:    int64(cfg.MaxStreamingSessions),
		tempDir:         tempDir,
		tempRetention:   orDefault(cfg.TempRetention, time.Hour),
		cleanupInterval: orDefault(cfg.CleanupInterval, 5*time.Minute),
		shutdownGrace:   orDefault(cfg.ShutdownGrace, 10*time.Second),
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	logger.Info("resource governor initialized",
		zap.Int("sync_core", cfg.SyncCoreWorkers),
		zap.Int("sync_max", cfg.SyncMaxWorkers),
		zap.Int("async_core", cfg.AsyncCoreWorkers),
		zap.Int("async_max", cfg.AsyncMaxWorkers),
		zap.Int64("max_sync_tasks", g.maxSync),
		zap.Int64("max_async_tasks", g.maxAsync),
		zap.Int64("max_streaming_sessions", g.maxStreaming),
		zap.String("temp_dir", tempDir))

	return g, nil
}

func orDefault(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// =============================================================================
// 🚦 准入控制
// =============================================================================

// admit 在递增前检查上限，达到上限时拒绝
func admit(counter *atomic.Int64, max int64) bool {
	for {
		cur := counter.Load()
		if cur >= max {
			return false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release 递减计数，永不为负
func release(counter *atomic.Int64) {
	for {
		cur := counter.Load()
		if cur <= 0 {
			return
		}
		if counter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Future 异步提交的结果
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done 在任务结束时关闭
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 等待任务结束；ctx 先结束时返回 ctx.Err()，任务继续在池中运行
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Governor) dispatch(ctx context.Context, p *pool.BoundedPool, active, rejected *atomic.Int64, max int64, class string, task Task) (*Future, error) {
	if !admit(active, max) {
		g.reject(rejected, class)
		g.logger.Warn("admission rejected",
			zap.String("class", class),
			zap.Int64("limit", max))
		return nil, types.NewCapacityError(class, max)
	}

	result, err := p.Execute(ctx, task)
	if err != nil {
		release(active)
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, types.NewError(types.ErrInternalError, "governor is shutting down").
				WithClass(class).WithCause(err)
		}
		return nil, err
	}

	f := newFuture()
	go func() {
		err := <-result
		release(active)
		f.complete(err)
	}()
	return f, nil
}

// SubmitSync 在同步池上执行任务并等待结果
func (g *Governor) SubmitSync(ctx context.Context, task Task) error {
	f, err := g.dispatch(ctx, g.syncPool, &g.syncActive, &g.syncRejected, g.maxSync, ClassSync, task)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// SubmitAsync 在异步池上执行任务，立即返回 Future
func (g *Governor) SubmitAsync(ctx context.Context, task Task) (*Future, error) {
	return g.dispatch(ctx, g.asyncPool, &g.asyncActive, &g.asyncRejected, g.maxAsync, ClassAsync, task)
}

// CanOpenStreamingSession 当前是否还有流式会话名额
func (g *Governor) CanOpenStreamingSession() bool {
	return g.streamingActive.Load() < g.maxStreaming
}

// OpenStreamingSession 占用一个流式会话名额，必须与 CloseStreamingSession 成对调用
func (g *Governor) OpenStreamingSession() error {
	if !admit(&g.streamingActive, g.maxStreaming) {
		g.reject(&g.streamingRejected, ClassStreaming)
		g.logger.Warn("admission rejected",
			zap.String("class", ClassStreaming),
			zap.Int64("limit", g.maxStreaming))
		return types.NewCapacityError(ClassStreaming, g.maxStreaming)
	}
	return nil
}

func (g *Governor) reject(counter *atomic.Int64, class string) {
	counter.Add(1)
	if g.rejections != nil {
		g.rejections.RecordAdmissionRejected(class)
	}
}

// CloseStreamingSession 释放一个流式会话名额
func (g *Governor) CloseStreamingSession() {
	release(&g.streamingActive)
}

// =============================================================================
// 📁 临时文件
// =============================================================================

// TempDir 返回临时文件目录
func (g *Governor) TempDir() string { return g.tempDir }

// AllocateTempFile 在临时目录创建独占文件，文件名为 prefix_<毫秒时间戳>_<序号>suffix
func (g *Governor) AllocateTempFile(prefix, suffix string) (*os.File, error) {
	name := fmt.Sprintf("%s_%d_%d%s", prefix, time.Now().UnixMilli(), g.tempSeq.Add(1), suffix)
	path := filepath.Join(g.tempDir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("allocate temp file: %w", err)
	}
	g.logger.Debug("temp file allocated", zap.String("path", path))
	return f, nil
}

// ReleaseTempFile 关闭并删除临时文件，失败只记录日志
func (g *Governor) ReleaseTempFile(f *os.File) {
	if f == nil {
		return
	}
	path := f.Name()
	_ = f.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}

// CleanupTempFiles 删除超过保留期的临时文件，返回删除数量
func (g *Governor) CleanupTempFiles() int {
	entries, err := os.ReadDir(g.tempDir)
	if err != nil {
		g.logger.Warn("failed to list temp dir", zap.String("dir", g.tempDir), zap.Error(err))
		return 0
	}

	cutoff := time.Now().Add(-g.tempRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(g.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			g.logger.Warn("failed to delete expired temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		g.logger.Info("expired temp files removed", zap.Int("count", removed))
	}
	return removed
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start 启动临时文件定时清理
func (g *Governor) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.cleanupLoop(ctx)
	})
}

func (g *Governor) cleanupLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.CleanupTempFiles()
		}
	}
}

// Shutdown 停止接收任务，在宽限期内等待在途任务，之后强制取消
func (g *Governor) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.wg.Wait()

		graceCtx, cancel := context.WithTimeout(ctx, g.shutdownGrace)
		defer cancel()

		var eg errgroup.Group
		eg.Go(func() error { return g.syncPool.Shutdown(graceCtx) })
		eg.Go(func() error { return g.asyncPool.Shutdown(graceCtx) })
		err = eg.Wait()

		if err != nil {
			g.logger.Warn("governor forced shutdown", zap.Error(err))
		} else {
			g.logger.Info("governor shut down")
		}
	})
	return err
}

// =============================================================================
// 📊 使用统计
// =============================================================================

// UsageStats 资源使用快照
type UsageStats struct {
	SyncPool  pool.BoundedPoolStats `json:"sync_pool"`
	AsyncPool pool.BoundedPoolStats `json:"async_pool"`

	ActiveSync      int64 `json:"active_sync"`
	MaxSync         int64 `json:"max_sync"`
	ActiveAsync     int64 `json:"active_async"`
	MaxAsync        int64 `json:"max_async"`
	ActiveStreaming int64 `json:"active_streaming"`
	MaxStreaming    int64 `json:"max_streaming"`

	RejectedSync      int64 `json:"rejected_sync"`
	RejectedAsync     int64 `json:"rejected_async"`
	RejectedStreaming int64 `json:"rejected_streaming"`

	TempDir   string `json:"temp_dir"`
	TempFiles int    `json:"temp_files"`
	TempBytes int64  `json:"temp_bytes"`

	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	SysBytes       uint64    `json:"sys_bytes"`
	Goroutines     int       `json:"goroutines"`
	Timestamp      time.Time `json:"timestamp"`
}

// Usage 返回当前资源使用情况
func (g *Governor) Usage() UsageStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := UsageStats{
		SyncPool:          g.syncPool.Stats(),
		AsyncPool:         g.asyncPool.Stats(),
		ActiveSync:        g.syncActive.Load(),
		MaxSync:           g.maxSync,
		ActiveAsync:       g.asyncActive.Load(),
		MaxAsync:          g.maxAsync,
		ActiveStreaming:   g.streamingActive.Load(),
		MaxStreaming:      g.maxStreaming,
		RejectedSync:      g.syncRejected.Load(),
		RejectedAsync:     g.asyncRejected.Load(),
		RejectedStreaming: g.streamingRejected.Load(),
		TempDir:           g.tempDir,
		HeapAllocBytes:    mem.HeapAlloc,
		SysBytes:          mem.Sys,
		Goroutines:        runtime.NumGoroutine(),
		Timestamp:         time.Now(),
	}

	if entries, err := os.ReadDir(g.tempDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if info, err := entry.Info(); err == nil {
				stats.TempFiles++
				stats.TempBytes += info.Size()
			}
		}
	}
	return stats
}
