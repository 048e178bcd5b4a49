package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
)

// =============================================================================
// 🚨 告警类型与级别
// =============================================================================

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Type 告警类型，每种类型各自维护一份 State
type Type string

const (
	TypeHighFailureRate        Type = "HIGH_FAILURE_RATE"
	TypeHighLatency            Type = "HIGH_LATENCY"
	TypeHighMemoryUsage        Type = "HIGH_MEMORY_USAGE"
	TypeHighConcurrentRequests Type = "HIGH_CONCURRENT_REQUESTS"
)

// AllTypes 按评估顺序列出所有告警类型
var AllTypes = []Type{
	TypeHighFailureRate,
	TypeHighLatency,
	TypeHighMemoryUsage,
	TypeHighConcurrentRequests,
}

// Record 不可变的告警历史条目。Active 表示写入时是触发还是解除。
type Record struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Active    bool           `json:"active"`
}

// State 单个告警类型的可变状态，只用于冷却判断和触发/解除切换
type State struct {
	Active         bool      `json:"active"`
	FirstTriggered time.Time `json:"first_triggered"`
	LastTriggered  time.Time `json:"last_triggered"`
	Resolved       time.Time `json:"resolved,omitempty"`
	TriggerCount   int       `json:"trigger_count"`
}

// Statistics 时间窗口内的告警统计
type Statistics struct {
	TotalAlerts  int             `json:"total_alerts"`
	ActiveAlerts int             `json:"active_alerts"`
	ByType       map[Type]int64  `json:"by_type"`
	ByLevel      map[Level]int64 `json:"by_level"`
}

// =============================================================================
// 🔌 依赖接口
// =============================================================================

// SnapshotSource 提供当前性能快照，monitor.Collector 满足此接口
type SnapshotSource interface {
	Snapshot() monitor.Snapshot
}

// Listener 告警监听器。返回错误或 panic 都只影响自身。
type Listener interface {
	OnAlert(ctx context.Context, rec Record) error
}

// Recorder 告警计数镜像，internal/metrics.Collector 满足此接口
type Recorder interface {
	RecordAlert(alertType, level string)
}

// MemoryUsage 进程内存使用情况
type MemoryUsage struct {
	UsedBytes  uint64
	TotalBytes uint64
	Percent    float64
}

// MemoryProbe 读取进程内存使用率
type MemoryProbe func(ctx context.Context) (MemoryUsage, error)

// =============================================================================
// ⚙️ 告警引擎
// =============================================================================

// Engine 周期性评估性能快照，带冷却的触发/解除状态机，并向监听器扇出记录。
type Engine struct {
	cfg      config.AlertingConfig
	source   SnapshotSource
	memory   MemoryProbe
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	stateMu sync.Mutex
	states  map[Type]*State

	histMu  sync.RWMutex
	history []Record

	listenerMu sync.RWMutex
	listeners  []Listener

	evalMu   sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup
}

// Option 引擎选项
type Option func(*Engine)

// WithMemoryProbe 替换内存探针
func WithMemoryProbe(p MemoryProbe) Option {
	return func(e *Engine) { e.memory = p }
}

// WithRecorder 设置告警计数镜像
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建告警引擎
func NewEngine(cfg config.AlertingConfig, source SnapshotSource, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	e := &Engine{
		cfg:    cfg,
		source: source,
		memory: ProcessMemoryProbe(),
		logger: logger.With(zap.String("component", "speech_alerting")),
		now:    time.Now,
		states: make(map[Type]*State, len(AllTypes)),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener 注册监听器
func (e *Engine) AddListener(l Listener) {
	if l == nil {
		return
	}
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
	e.logger.Debug("alert listener added")
}

// RemoveListener 移除监听器，按接口值比较
func (e *Engine) RemoveListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			e.logger.Debug("alert listener removed")
			return
		}
	}
}

// =============================================================================
// 🎯 评估
// =============================================================================

// condition 一次评估得出的单项结论
type condition struct {
	typ      Type
	level    Level
	breached bool
	message  string
	details  map[string]any
}

// Evaluate 执行一次完整评估。禁用时直接返回。
// 评估互斥执行，监听器在状态锁之外按记录顺序同步通知。
func (e *Engine) Evaluate(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	snap := e.source.Snapshot()
	conds := []condition{
		e.checkFailureRate(snap),
		e.checkLatency(snap),
	}
	if c, ok := e.checkMemory(ctx); ok {
		conds = append(conds, c)
	}
	conds = append(conds, e.checkConcurrent(snap))

	var emitted []Record
	for _, c := range conds {
		var (
			rec Record
			ok  bool
		)
		if c.breached {
			rec, ok = e.trigger(c)
		} else {
			rec, ok = e.resolve(c.typ)
		}
		if ok {
			emitted = append(emitted, rec)
		}
	}

	for _, rec := range emitted {
		e.notify(ctx, rec)
	}
}

func (e *Engine) checkFailureRate(s monitor.Snapshot) condition {
	threshold := e.cfg.FailureRateThreshold
	rate := s.FailureRate
	if s.RecentSuccessRate > 0 {
		rate = 100 - s.RecentSuccessRate
	}
	return condition{
		typ:      TypeHighFailureRate,
		level:    LevelWarning,
		breached: rate >= threshold,
		message:  fmt.Sprintf("failure rate too high: %.2f%% (threshold: %.2f%%)", rate, threshold),
		details: map[string]any{
			"current_failure_rate": rate,
			"threshold":            threshold,
			"total_requests":       s.TotalRequests,
			"failed_requests":      s.FailedRequests,
			"error_counts":         s.ErrorCounts,
		},
	}
}

func (e *Engine) checkLatency(s monitor.Snapshot) condition {
	thresholdMs := float64(e.cfg.LatencyThreshold.Milliseconds())
	latency := s.AverageLatencyMs
	if s.RecentAverageLatencyMs > 0 {
		latency = s.RecentAverageLatencyMs
	}
	return condition{
		typ:      TypeHighLatency,
		level:    LevelWarning,
		breached: latency >= thresholdMs,
		message:  fmt.Sprintf("average latency too high: %.0fms (threshold: %.0fms)", latency, thresholdMs),
		details: map[string]any{
			"current_latency_ms": latency,
			"threshold_ms":       thresholdMs,
			"max_latency_ms":     s.MaxLatencyMs,
			"min_latency_ms":     s.MinLatencyMs,
		},
	}
}

// checkMemory 探针失败时跳过本轮内存判断，不触发也不解除
func (e *Engine) checkMemory(ctx context.Context) (condition, bool) {
	if e.memory == nil {
		return condition{}, false
	}
	usage, err := e.memory(ctx)
	if err != nil {
		e.logger.Warn("memory probe failed", zap.Error(err))
		return condition{}, false
	}
	threshold := e.cfg.MemoryUsageThreshold
	return condition{
		typ:      TypeHighMemoryUsage,
		level:    LevelCritical,
		breached: usage.Percent >= threshold,
		message:  fmt.Sprintf("memory usage too high: %.2f%% (threshold: %.2f%%)", usage.Percent, threshold),
		details: map[string]any{
			"used_memory_mb":   usage.UsedBytes / (1024 * 1024),
			"total_memory_mb":  usage.TotalBytes / (1024 * 1024),
			"usage_percentage": usage.Percent,
			"threshold":        threshold,
		},
	}, true
}

func (e *Engine) checkConcurrent(s monitor.Snapshot) condition {
	threshold := int64(e.cfg.ConcurrentRequestsThreshold)
	return condition{
		typ:      TypeHighConcurrentRequests,
		level:    LevelWarning,
		breached: s.CurrentConcurrent >= threshold,
		message:  fmt.Sprintf("concurrent requests too high: %d (threshold: %d)", s.CurrentConcurrent, threshold),
		details: map[string]any{
			"current_concurrent": s.CurrentConcurrent,
			"threshold":          threshold,
			"max_concurrent":     s.MaxConcurrent,
		},
	}
}

// trigger 冷却期内的活跃告警不重复触发
func (e *Engine) trigger(c condition) (Record, bool) {
	now := e.now()

	e.stateMu.Lock()
	st := e.states[c.typ]
	if st != nil && st.Active && st.LastTriggered.Add(e.cfg.Cooldown).After(now) {
		e.stateMu.Unlock()
		e.logger.Debug("alert still in cooldown", zap.String("type", string(c.typ)))
		return Record{}, false
	}
	next := &State{Active: true, FirstTriggered: now, LastTriggered: now, TriggerCount: 1}
	if st != nil {
		next.FirstTriggered = st.FirstTriggered
		next.TriggerCount = st.TriggerCount + 1
	}
	e.states[c.typ] = next
	e.stateMu.Unlock()

	rec := Record{
		ID:        uuid.NewString(),
		Type:      c.typ,
		Level:     c.level,
		Message:   c.message,
		Details:   c.details,
		Timestamp: now,
		Active:    true,
	}
	e.appendHistory(rec)

	e.logger.Warn("alert triggered",
		zap.String("type", string(c.typ)),
		zap.String("level", string(c.level)),
		zap.String("message", c.message),
		zap.Int("trigger_count", next.TriggerCount))
	return rec, true
}

func (e *Engine) resolve(typ Type) (Record, bool) {
	now := e.now()

	e.stateMu.Lock()
	st := e.states[typ]
	if st == nil || !st.Active {
		e.stateMu.Unlock()
		return Record{}, false
	}
	st.Active = false
	st.Resolved = now
	e.stateMu.Unlock()

	rec := Record{
		ID:        uuid.NewString(),
		Type:      typ,
		Level:     LevelInfo,
		Message:   "alert resolved",
		Timestamp: now,
		Active:    false,
	}
	e.appendHistory(rec)

	e.logger.Info("alert resolved", zap.String("type", string(typ)))
	return rec, true
}

func (e *Engine) appendHistory(rec Record) {
	e.histMu.Lock()
	e.history = append(e.history, rec)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.histMu.Unlock()
}

// notify 逐个通知监听器，单个监听器的错误或 panic 不影响其它监听器
func (e *Engine) notify(ctx context.Context, rec Record) {
	if e.recorder != nil {
		e.safeCall("recorder", func() error {
			e.recorder.RecordAlert(string(rec.Type), string(rec.Level))
			return nil
		})
	}

	e.listenerMu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()

	for i, l := range listeners {
		e.safeCall(fmt.Sprintf("listener-%d", i), func() error {
			return l.OnAlert(ctx, rec)
		})
	}
}

func (e *Engine) safeCall(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert listener panicked",
				zap.String("listener", name),
				zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		e.logger.Error("alert listener failed",
			zap.String("listener", name),
			zap.Error(err))
	}
}

// =============================================================================
// 📋 查询
// =============================================================================

// ActiveAlerts 返回当前仍处于活跃状态的告警，每种类型取最近一次触发记录，最新的在前
func (e *Engine) ActiveAlerts() []Record {
	e.stateMu.Lock()
	active := make(map[Type]bool, len(e.states))
	for typ, st := range e.states {
		if st.Active {
			active[typ] = true
		}
	}
	e.stateMu.Unlock()

	e.histMu.RLock()
	defer e.histMu.RUnlock()
	out := make([]Record, 0, len(active))
	for i := len(e.history) - 1; i >= 0 && len(active) > 0; i-- {
		rec := e.history[i]
		if rec.Active && active[rec.Type] {
			out = append(out, rec)
			delete(active, rec.Type)
		}
	}
	return out
}

// History 返回最近 hours 小时内的记录，按写入顺序倒序，最新的在前
func (e *Engine) History(hours int) []Record {
	cutoff := e.now().Add(-time.Duration(hours) * time.Hour)

	e.histMu.RLock()
	defer e.histMu.RUnlock()
	out := make([]Record, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].Timestamp.After(cutoff) {
			out = append(out, e.history[i])
		}
	}
	return out
}

// Statistics 统计最近 hours 小时内的告警
func (e *Engine) Statistics(hours int) Statistics {
	records := e.History(hours)
	stats := Statistics{
		TotalAlerts: len(records),
		ByType:      make(map[Type]int64),
		ByLevel:     make(map[Level]int64),
	}
	for _, rec := range records {
		if rec.Active {
			stats.ActiveAlerts++
		}
		stats.ByType[rec.Type]++
		stats.ByLevel[rec.Level]++
	}
	return stats
}

// State 返回某类型告警状态的副本
func (e *Engine) State(typ Type) (State, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	st, ok := e.states[typ]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start 启动周期评估。禁用或重复调用无效。
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		e.logger.Info("speech alerting disabled")
		return
	}
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Evaluate(ctx)
			}
		}
	}()
	e.logger.Info("speech alerting started", zap.Duration("interval", e.cfg.CheckInterval))
}

// Stop 停止周期评估并等待循环退出
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
