package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// Admission 流式会话准入，*governor.Governor 实现该接口
type Admission interface {
	OpenStreamingSession() error
	CloseStreamingSession()
}

// Recorder 请求级指标，*monitor.Collector 实现该接口
type Recorder interface {
	RecordStart(class string, size int64) *monitor.RequestContext
	RecordComplete(rc *monitor.RequestContext, success bool, errorKind string)
}

// SessionGauge 活跃会话数上报，*metrics.Collector 实现该接口
type SessionGauge interface {
	SetStreamingSessions(kind string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordStart(string, int64) *monitor.RequestContext        { return nil }
func (nopRecorder) RecordComplete(*monitor.RequestContext, bool, string) {}

// Option 会话管理器选项
type Option func(*core)

// WithRecorder 设置请求指标采集器
func WithRecorder(r Recorder) Option {
	return func(c *core) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithSessionGauge 设置活跃会话数上报
func WithSessionGauge(g SessionGauge) Option {
	return func(c *core) { c.gauge = g }
}

// =============================================================================
// 📋 注册表
// =============================================================================

// registry 活跃会话表，由单个管理器实例持有
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

// remove 返回是否真的移除了条目
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// =============================================================================
// ⚙️ 管理器公共部分
// =============================================================================

// dialFunc 在会话上下文中建立 provider 连接
type dialFunc func(ctx context.Context, cb inbox) (provider.Connection, error)

type core struct {
	kind           Kind
	providerName   string
	admission      Admission
	timeouts       *timeout.Manager
	recorder       Recorder
	gauge          SessionGauge
	registry       *registry
	eventBuffer    int
	inboxBuffer    int
	bytesPerSecond int
	logger         *zap.Logger
	shutdown       atomic.Bool
}

func newCore(kind Kind, providerName string, admission Admission, timeouts *timeout.Manager, cfg config.StreamingConfig, logger *zap.Logger, opts []Option) *core {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeouts == nil {
		timeouts = timeout.NewManager(config.DefaultTimeoutConfig(), logger)
	}
	defaults := config.DefaultStreamingConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.InboxBuffer <= 0 {
		cfg.InboxBuffer = defaults.InboxBuffer
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.BitsPerSample <= 0 {
		cfg.BitsPerSample = defaults.BitsPerSample
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaults.Channels
	}

	c := &core{
		kind:           kind,
		providerName:   providerName,
		admission:      admission,
		timeouts:       timeouts,
		recorder:       nopRecorder{},
		registry:       newRegistry(),
		eventBuffer:    cfg.EventBuffer,
		inboxBuffer:    cfg.InboxBuffer,
		bytesPerSecond: cfg.SampleRate * cfg.BitsPerSample / 8 * cfg.Channels,
		logger:         logger.With(zap.String("component", "streaming_"+string(kind))),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *core) updateGauge() {
	if c.gauge != nil {
		c.gauge.SetStreamingSessions(string(c.kind), c.registry.len())
	}
}

// open 准入 → 注册 → 连接 → 激活。失败时会话已被完整关闭，且不留注册表条目。
func (c *core) open(ctx context.Context, size int64, dial dialFunc) (*Session, error) {
	if c.shutdown.Load() {
		return nil, types.NewError(types.ErrInvalidSessionState, "session manager is shut down")
	}
	if err := c.admission.OpenStreamingSession(); err != nil {
		c.logger.Warn("streaming session rejected", zap.Error(err))
		return nil, err
	}

	id := uuid.NewString()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        id,
		kind:      c.kind,
		createdAt: time.Now(),
		core:      c,
		logger:    c.logger.With(zap.String("session_id", id)),
		ctx:       sctx,
		cancel:    cancel,
		inbox:     make(chan message, c.inboxBuffer),
		events:    make(chan Event, c.eventBuffer),
		done:      make(chan struct{}),
		timer:     c.timeouts.NewSessionTimer(id, timeout.ClassStreaming),
	}
	s.setState(StateCreated)
	c.registry.add(s)
	c.updateGauge()
	s.rc = c.recorder.RecordStart(string(timeout.ClassStreaming), size)

	s.setState(StateConnecting)
	conn, err := c.connect(ctx, s, dial)
	if err == nil {
		err = s.attach(conn)
	}
	if err != nil {
		s.finish(StateErrored, err)
		s.close("connect failed")
		return nil, err
	}

	s.logger.Info("streaming session opened")
	return s, nil
}

// connect 建立连接，受 connect 类截止时间与调用方上下文约束
func (c *core) connect(ctx context.Context, s *Session, dial dialFunc) (provider.Connection, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeouts.Deadline(timeout.ClassConnect), func() {
		timedOut.Store(true)
		s.cancel()
	})
	stop := context.AfterFunc(ctx, s.cancel)

	conn, err := dial(s.ctx, inbox{s: s})
	timer.Stop()
	stop()

	if err == nil && s.ctx.Err() != nil {
		if cerr := conn.Close(provider.CloseNormal, "connect aborted"); cerr != nil && !errors.Is(cerr, provider.ErrConnectionClosed) {
			s.logger.Debug("closing aborted connection", zap.Error(cerr))
		}
		err = s.ctx.Err()
	}
	if err == nil {
		return conn, nil
	}

	switch {
	case timedOut.Load():
		return nil, types.NewTimeoutError(string(timeout.ClassConnect), err).WithSession(s.id)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	if e, ok := types.AsError(err); ok {
		if e.SessionID == "" {
			e.SessionID = s.id
		}
		return nil, e
	}
	return nil, types.NewProviderError(c.providerName, err).WithSession(s.id)
}

// ActiveSessions 当前注册的会话数
func (c *core) ActiveSessions() int {
	return c.registry.len()
}

// SessionIDs 当前注册的会话 ID
func (c *core) SessionIDs() []string {
	sessions := c.registry.snapshot()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.id)
	}
	return ids
}

// Get 按 ID 查找会话
func (c *core) Get(id string) (*Session, bool) {
	return c.registry.get(id)
}

// Close 关闭会话；会话不存在时视为已关闭
func (c *core) Close(id string) error {
	s, ok := c.registry.get(id)
	if !ok {
		c.logger.Debug("close on unknown session", zap.String("session_id", id))
		return nil
	}
	s.close("closed by caller")
	return nil
}

// Shutdown 拒绝新会话并关闭所有会话
func (c *core) Shutdown(ctx context.Context) error {
	c.shutdown.Store(true)
	sessions := c.registry.snapshot()
	c.logger.Info("closing all streaming sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.close("manager shutdown")
	}
	return nil
}

// active 取出处于 ACTIVE 状态的会话，否则返回状态错误
func (c *core) active(id string) (*Session, error) {
	s, ok := c.registry.get(id)
	if !ok {
		return nil, types.NewSessionStateError(id, "session not found")
	}
	if st := s.State(); st != StateActive {
		return nil, types.NewSessionStateError(id, "session is "+st.String())
	}
	return s, nil
}
