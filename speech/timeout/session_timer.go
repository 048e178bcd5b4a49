package timeout

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type timerState int

const (
	timerIdle timerState = iota
	timerRunning
	timerExpired
	timerCancelled
)

// SessionTimer 是可重置的一次性会话计时器。
//
// 到期时回调只执行一次，之后保持静默直到再次 Start；
// Cancel 已结束的计时器、Reset 已取消的计时器都是空操作。
type SessionTimer struct {
	sessionID string
	class     Class
	duration  time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	state    timerState
	deadline time.Time
}

// NewSessionTimer 为会话创建计时器，时长取自类别截止时间
func (m *Manager) NewSessionTimer(sessionID string, class Class) *SessionTimer {
	return &SessionTimer{
		sessionID: sessionID,
		class:     class,
		duration:  m.Deadline(class),
		logger:    m.logger,
	}
}

// Start 启动（或重新启动）计时器
func (t *SessionTimer) Start(onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm(onTimeout)
}

// Reset 在计时器运行中时重新计时；其它状态下不做任何事
func (t *SessionTimer) Reset(onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != timerRunning {
		return
	}
	t.arm(onTimeout)
}

// Cancel 停止计时器
func (t *SessionTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	if t.state == timerRunning {
		t.state = timerCancelled
	}
}

// IsExpired 是否已到期
func (t *SessionTimer) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timerExpired
}

// Remaining 剩余时间，未运行时为 0
func (t *SessionTimer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != timerRunning {
		return 0
	}
	if left := time.Until(t.deadline); left > 0 {
		return left
	}
	return 0
}

// arm 调用方需持有 mu
func (t *SessionTimer) arm(onTimeout func()) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.state = timerRunning
	t.deadline = time.Now().Add(t.duration)
	t.timer = time.AfterFunc(t.duration, func() { t.fire(gen, onTimeout) })
}

func (t *SessionTimer) fire(gen uint64, onTimeout func()) {
	t.mu.Lock()
	if gen != t.gen || t.state != timerRunning {
		t.mu.Unlock()
		return
	}
	t.state = timerExpired
	t.mu.Unlock()

	t.logger.Info("session timer expired",
		zap.String("session_id", t.sessionID),
		zap.String("class", string(t.class)),
		zap.Duration("after", t.duration))
	if onTimeout != nil {
		onTimeout()
	}
}
