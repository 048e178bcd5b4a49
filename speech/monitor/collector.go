// Package monitor 采集语音请求的运行时性能指标：累计计数、延迟极值、
// 并发高水位、错误分类与最近窗口统计，并按固定间隔生成快照。
package monitor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
)

// =============================================================================
// 🎯 Collector
// =============================================================================

// Collector 性能指标采集器。所有方法并发安全。
type Collector struct {
	cfg    config.MetricsConfig
	logger *zap.Logger
	now    func() time.Time

	total         atomic.Int64
	successful    atomic.Int64
	failed        atomic.Int64
	totalLatency  atomic.Int64
	maxLatency    atomic.Int64
	minLatency    atomic.Int64
	concurrent    atomic.Int64
	maxConcurrent atomic.Int64
	totalFileSize atomic.Int64
	maxFileSize   atomic.Int64

	errMu       sync.Mutex
	errorCounts map[string]int64

	recentMu sync.Mutex
	recent   []sample
	head     int
	filled   bool

	histMu  sync.RWMutex
	history []Snapshot
	current atomic.Pointer[Snapshot]

	sink      SnapshotSink
	observers []Observer

	stopOnce sync.Once
	stopCh   chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup
}

// Option 采集器选项
type Option func(*Collector)

// WithSink 设置快照持久化目标
func WithSink(sink SnapshotSink) Option {
	return func(c *Collector) { c.sink = sink }
}

// WithObserver 追加一个观察者
func WithObserver(o Observer) Option {
	return func(c *Collector) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector 创建采集器
func NewCollector(cfg config.MetricsConfig, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := config.DefaultMetricsConfig()
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = defaults.CaptureInterval
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = defaults.HistoryRetention
	}
	if cfg.RecentSamples <= 0 {
		cfg.RecentSamples = defaults.RecentSamples
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaults.RecentWindow
	}
	if cfg.SlowRequestThreshold <= 0 {
		cfg.SlowRequestThreshold = defaults.SlowRequestThreshold
	}

	c := &Collector{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "speech_metrics")),
		now:         time.Now,
		errorCounts: make(map[string]int64),
		recent:      make([]sample, cfg.RecentSamples),
		stopCh:      make(chan struct{}),
	}
	c.minLatency.Store(math.MaxInt64)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordStart 记录一次请求开始，返回的上下文交给 RecordComplete
func (c *Collector) RecordStart(class string, size int64) *RequestContext {
	c.total.Add(1)
	n := c.concurrent.Add(1)
	storeMax(&c.maxConcurrent, n)
	if size > 0 {
		c.RecordFileSize(size)
	}

	for _, o := range c.observers {
		c.notify(func() { o.ObserveStart(class, size) })
	}
	return &RequestContext{Class: class, StartTime: c.now(), Size: size}
}

// RecordFileSize 累计输入大小
func (c *Collector) RecordFileSize(bytes int64) {
	if bytes <= 0 {
		return
	}
	c.totalFileSize.Add(bytes)
	storeMax(&c.maxFileSize, bytes)
}

// RecordComplete 记录一次请求结束。errorKind 仅在失败时使用，空串不计入分类。
func (c *Collector) RecordComplete(rc *RequestContext, success bool, errorKind string) {
	if rc == nil {
		return
	}
	now := c.now()
	latency := now.Sub(rc.StartTime)
	ms := latency.Milliseconds()

	for {
		cur := c.concurrent.Load()
		if cur <= 0 || c.concurrent.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	if success {
		c.successful.Add(1)
	} else {
		c.failed.Add(1)
		if errorKind != "" {
			c.errMu.Lock()
			c.errorCounts[errorKind]++
			c.errMu.Unlock()
		}
	}

	c.totalLatency.Add(ms)
	storeMax(&c.maxLatency, ms)
	storeMin(&c.minLatency, ms)

	c.recentMu.Lock()
	c.recent[c.head] = sample{at: now, latencyMs: ms, success: success}
	c.head = (c.head + 1) % len(c.recent)
	if c.head == 0 {
		c.filled = true
	}
	c.recentMu.Unlock()

	if latency >= c.cfg.SlowRequestThreshold {
		c.logger.Warn("slow speech request",
			zap.String("class", rc.Class),
			zap.Duration("latency", latency),
			zap.Int64("size", rc.Size),
			zap.Bool("success", success))
	}

	for _, o := range c.observers {
		c.notify(func() { o.ObserveComplete(rc.Class, latency, success, errorKind) })
	}
}

// notify 调用观察者，吞掉 panic
func (c *Collector) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("metrics observer panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

// Snapshot 计算当前聚合
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Timestamp:          c.now(),
		TotalRequests:      c.total.Load(),
		SuccessfulRequests: c.successful.Load(),
		FailedRequests:     c.failed.Load(),
		CurrentConcurrent:  c.concurrent.Load(),
		MaxConcurrent:      c.maxConcurrent.Load(),
		TotalFileSize:      c.totalFileSize.Load(),
		MaxFileSize:        c.maxFileSize.Load(),
	}

	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
		s.FailureRate = float64(s.FailedRequests) / float64(s.TotalRequests) * 100
		s.AverageFileSize = float64(s.TotalFileSize) / float64(s.TotalRequests)
	}
	if s.SuccessfulRequests > 0 {
		s.AverageLatencyMs = float64(c.totalLatency.Load()) / float64(s.TotalRequests)
		s.MaxLatencyMs = c.maxLatency.Load()
		if lo := c.minLatency.Load(); lo != math.MaxInt64 {
			s.MinLatencyMs = lo
		}
	}

	c.errMu.Lock()
	if len(c.errorCounts) > 0 {
		s.ErrorCounts = make(map[string]int64, len(c.errorCounts))
		for k, v := range c.errorCounts {
			s.ErrorCounts[k] = v
		}
	}
	c.errMu.Unlock()

	s.RecentSuccessRate, s.RecentAverageLatencyMs = c.recentStats(s.Timestamp)
	return s
}

// recentStats 统计窗口内的样本
func (c *Collector) recentStats(now time.Time) (successRate, avgLatency float64) {
	cutoff := now.Add(-c.cfg.RecentWindow)

	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	n := c.head
	if c.filled {
		n = len(c.recent)
	}
	var count, ok, latency int64
	for i := 0; i < n; i++ {
		smp := c.recent[i]
		if smp.at.Before(cutoff) {
			continue
		}
		count++
		latency += smp.latencyMs
		if smp.success {
			ok++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return float64(ok) / float64(count) * 100, float64(latency) / float64(count)
}

// Current 最近一次定时采集的快照，尚未采集时返回实时快照
func (c *Collector) Current() Snapshot {
	if s := c.current.Load(); s != nil {
		return *s
	}
	return c.Snapshot()
}

// Capture 生成一次快照、追加到历史并裁剪过期记录
func (c *Collector) Capture(ctx context.Context) Snapshot {
	s := c.Snapshot()
	c.current.Store(&s)

	cutoff := s.Timestamp.Add(-c.cfg.HistoryRetention)
	c.histMu.Lock()
	c.history = append(c.history, s)
	keep := c.history[:0]
	for _, h := range c.history {
		if !h.Timestamp.Before(cutoff) {
			keep = append(keep, h)
		}
	}
	c.history = keep
	c.histMu.Unlock()

	if c.sink != nil {
		if err := c.sink.SaveSnapshot(ctx, s); err != nil {
			c.logger.Warn("failed to persist snapshot", zap.Error(err))
		} else if _, err := c.sink.PruneBefore(ctx, cutoff); err != nil {
			c.logger.Warn("failed to prune snapshots", zap.Error(err))
		}
	}

	c.logger.Info("performance snapshot captured",
		zap.Int64("total", s.TotalRequests),
		zap.Float64("success_rate", s.SuccessRate),
		zap.Float64("avg_latency_ms", s.AverageLatencyMs),
		zap.Int64("concurrent", s.CurrentConcurrent))
	return s
}

// History 返回最近 hours 小时内的快照，按时间升序
func (c *Collector) History(hours int) []Snapshot {
	cutoff := c.now().Add(-time.Duration(hours) * time.Hour)
	c.histMu.RLock()
	defer c.histMu.RUnlock()

	out := make([]Snapshot, 0, len(c.history))
	for _, h := range c.history {
		if !h.Timestamp.Before(cutoff) {
			out = append(out, h)
		}
	}
	return out
}

// Reset 清空全部统计与历史
func (c *Collector) Reset() {
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)
	c.totalLatency.Store(0)
	c.maxLatency.Store(0)
	c.minLatency.Store(math.MaxInt64)
	c.concurrent.Store(0)
	c.maxConcurrent.Store(0)
	c.totalFileSize.Store(0)
	c.maxFileSize.Store(0)

	c.errMu.Lock()
	c.errorCounts = make(map[string]int64)
	c.errMu.Unlock()

	c.recentMu.Lock()
	c.recent = make([]sample, len(c.recent))
	c.head = 0
	c.filled = false
	c.recentMu.Unlock()

	c.histMu.Lock()
	c.history = nil
	c.histMu.Unlock()
	c.current.Store(nil)

	c.logger.Info("performance metrics reset")
}

// Start 启动定时采集。重复调用无效。
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CaptureInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Capture(ctx)
			}
		}
	}()
	c.logger.Info("metrics capture started", zap.Duration("interval", c.cfg.CaptureInterval))
}

// Stop 停止定时采集并等待循环退出
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func storeMin(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n >= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
