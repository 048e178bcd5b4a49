// Package session 管理双向流式语音会话（文字转语音、语音转文字）。
//
// 每个会话独占一条 provider 连接。provider 回调只向会话收件箱投递消息，
// 由会话自己的消费协程按序翻译为事件写入输出通道，因此同一会话的事件
// 永不乱序。会话状态机：
//
//	CREATED → CONNECTING → ACTIVE → {COMPLETING | ERRORED | TIMED_OUT} → CLOSED
//
// 关闭是幂等的：注册表移除恰好一次，provider 侧已结束导致的
// ErrInvalidState / ErrConnectionClosed 视为良性竞争，只记 debug 日志。
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// =============================================================================
// 🎯 状态与事件
// =============================================================================

// State 会话生命周期状态
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateCompleting
	StateErrored
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateCompleting:
		return "COMPLETING"
	case StateErrored:
		return "ERRORED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func (s State) terminal() bool {
	return s >= StateCompleting
}

// Kind 会话方向
type Kind string

const (
	KindSynthesis   Kind = "synthesis"
	KindRecognition Kind = "recognition"
)

// EventType 事件类型
type EventType string

const (
	EventConnected  EventType = "connected"
	EventChunk      EventType = "chunk"
	EventTranscript EventType = "transcript"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event 推送给订阅方的会话事件。时长单位为秒。
type Event struct {
	Type               EventType `json:"type"`
	SessionID          string    `json:"session_id"`
	Sequence           int       `json:"sequence,omitempty"`
	Payload            []byte    `json:"payload,omitempty"`
	ChunkDuration      float64   `json:"chunk_duration,omitempty"`
	CumulativeDuration float64   `json:"cumulative_duration,omitempty"`
	Text               string    `json:"text,omitempty"`
	IsFinal            bool      `json:"is_final,omitempty"`
	ErrorCode          string    `json:"error_code,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// =============================================================================
// 📨 收件箱消息
// =============================================================================

type msgKind int

const (
	msgAudio msgKind = iota
	msgTranscript
	msgComplete
	msgError
)

type message struct {
	kind  msgKind
	chunk []byte
	text  string
	final bool
	err   error
}

// inbox 把 provider 回调转成收件箱消息，同时实现合成与识别两种回调
type inbox struct {
	s *Session
}

func (b inbox) OnAudio(chunk []byte) {
	b.s.post(message{kind: msgAudio, chunk: append([]byte(nil), chunk...)})
}

func (b inbox) OnTranscript(text string, final bool) {
	b.s.post(message{kind: msgTranscript, text: text, final: final})
}

func (b inbox) OnComplete()       { b.s.post(message{kind: msgComplete}) }
func (b inbox) OnError(err error) { b.s.post(message{kind: msgError, err: err}) }

// =============================================================================
// 🔌 Session
// =============================================================================

// Session 一次流式会话
type Session struct {
	id        string
	kind      Kind
	createdAt time.Time
	core      *core
	logger    *zap.Logger

	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	inbox  chan message
	events chan Event
	done   chan struct{}
	timer  *timeout.SessionTimer
	rc     *monitor.RequestContext

	mu       sync.Mutex
	conn     provider.Connection
	running  bool
	closing  bool
	failure  error
	terminal *Event

	closeOnce sync.Once

	// 以下字段只由消费协程访问
	sequence int
	bytes    int64
	// next 在一条 provider 流完成后调用；返回 true 表示会话继续（分段合成的下一段）
	next func() (bool, error)
}

// ID 会话 ID
func (s *Session) ID() string { return s.id }

// Kind 会话方向
func (s *Session) Kind() Kind { return s.kind }

// CreatedAt 创建时间
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State 当前状态
func (s *Session) State() State { return State(s.state.Load()) }

// Events 事件通道，会话关闭后关闭
func (s *Session) Events() <-chan Event { return s.events }

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Close 关闭会话，可重复调用
func (s *Session) Close() {
	s.close("closed by caller")
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// finish 进入终止状态；已处于终止状态时返回 false
func (s *Session) finish(to State, cause error) bool {
	for {
		cur := State(s.state.Load())
		if cur.terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			if cause != nil {
				s.mu.Lock()
				s.failure = cause
				s.mu.Unlock()
			}
			return true
		}
	}
}

func (s *Session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *Session) connection() provider.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// attach 绑定 provider 连接并启动消费协程；会话在连接期间被关闭时返回错误
func (s *Session) attach(conn provider.Connection) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if err := conn.Close(provider.CloseNormal, "session closed while connecting"); err != nil && !errors.Is(err, provider.ErrConnectionClosed) {
			s.logger.Warn("failed to close orphaned connection", zap.Error(err))
		}
		return types.NewSessionStateError(s.id, "session closed while connecting")
	}
	s.conn = conn
	s.running = true
	s.started.Store(true)
	s.setState(StateActive)
	s.mu.Unlock()

	s.timer.Start(s.expire)
	go s.run()
	return nil
}

// replaceConn 分段合成时切换到下一条连接，旧连接已完成
func (s *Session) replaceConn(conn provider.Connection) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close(provider.CloseNormal, "session closed")
		return types.NewSessionStateError(s.id, "session closed")
	}
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(provider.CloseNormal, "segment finished"); err != nil && !errors.Is(err, provider.ErrConnectionClosed) {
			s.logger.Debug("closing finished segment connection", zap.Error(err))
		}
	}
	s.started.Store(true)
	return nil
}

func (s *Session) touch() {
	s.timer.Reset(s.expire)
}

// expire 计时器到期：进入 TIMED_OUT 并关闭。消费协程可能阻塞在慢速订阅方上，
// 因此这里直接关闭，超时事件在退出时尽力投递。
// 已进入 COMPLETING / ERRORED 但终止事件仍未被取走时，同样强制关闭。
func (s *Session) expire() {
	err := types.NewTimeoutError(string(timeout.ClassStreaming), context.DeadlineExceeded).WithSession(s.id)
	if !s.finish(StateTimedOut, err) {
		switch st := s.State(); st {
		case StateCompleting, StateErrored:
			s.logger.Warn("terminal event not consumed before deadline",
				zap.String("state", st.String()))
			s.close("subscriber stalled on terminal event")
		}
		return
	}
	s.setTerminal(s.errorEvent(err))
	s.close("session timed out")
}

func (s *Session) setTerminal(ev Event) {
	s.mu.Lock()
	s.terminal = &ev
	s.mu.Unlock()
}

// conclude 投递终止事件并关闭会话，只在消费协程中调用。
// 事件先暂存：订阅方停滞时由计时器强制关闭，暂存的事件在消费协程退出时尽力投递。
func (s *Session) conclude(ev Event, reason string) {
	s.setTerminal(ev)
	if s.emit(ev) {
		s.mu.Lock()
		s.terminal = nil
		s.mu.Unlock()
	}
	s.close(reason)
}

func (s *Session) errorEvent(err error) Event {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrProviderError
	}
	return Event{Type: EventError, ErrorCode: string(code), ErrorMessage: err.Error()}
}

// emit 按序写出事件；会话关闭后放弃
func (s *Session) emit(ev Event) bool {
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// flushTerminal 非阻塞投递暂存的终止事件并关闭事件通道，只能由事件通道的唯一写方调用
func (s *Session) flushTerminal() {
	s.mu.Lock()
	ev := s.terminal
	s.mu.Unlock()
	if ev != nil {
		ev.SessionID = s.id
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		select {
		case s.events <- *ev:
		default:
			s.logger.Debug("terminal event dropped, subscriber not keeping up",
				zap.String("type", string(ev.Type)))
		}
	}
	close(s.events)
}

// run 会话唯一的消费协程
func (s *Session) run() {
	defer s.flushTerminal()

	if !s.emit(Event{Type: EventConnected}) {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case m := <-s.inbox:
			if !s.handle(m) {
				return
			}
		}
	}
}

func (s *Session) handle(m message) bool {
	switch m.kind {
	case msgAudio:
		s.touch()
		s.sequence++
		s.bytes += int64(len(m.chunk))
		bps := float64(s.core.bytesPerSecond)
		return s.emit(Event{
			Type:               EventChunk,
			Sequence:           s.sequence,
			Payload:            m.chunk,
			ChunkDuration:      float64(len(m.chunk)) / bps,
			CumulativeDuration: float64(s.bytes) / bps,
		})

	case msgTranscript:
		s.touch()
		s.sequence++
		return s.emit(Event{
			Type:     EventTranscript,
			Sequence: s.sequence,
			Text:     m.text,
			IsFinal:  m.final,
		})

	case msgComplete:
		if s.next != nil {
			more, err := s.next()
			if err != nil {
				s.fail(err)
				return false
			}
			if more {
				s.touch()
				return true
			}
		}
		if !s.finish(StateCompleting, nil) {
			return false
		}
		// provider 已自行结束，关闭时无需再 Stop
		s.started.Store(false)
		s.conclude(Event{
			Type:               EventComplete,
			Sequence:           s.sequence,
			CumulativeDuration: float64(s.bytes) / float64(s.core.bytesPerSecond),
		}, "session completed")
		return false

	case msgError:
		s.fail(m.err)
		return false
	}
	return true
}

// fail 推送 error 事件后关闭，只在消费协程中调用
func (s *Session) fail(err error) {
	if _, ok := types.AsError(err); !ok {
		err = types.NewProviderError(s.core.providerName, err).WithSession(s.id)
	}
	if !s.finish(StateErrored, err) {
		return
	}
	s.logger.Warn("streaming session failed", zap.Error(err))
	s.conclude(s.errorEvent(err), "session failed")
}

// =============================================================================
// 🧹 关闭
// =============================================================================

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		conn := s.conn
		running := s.running
		failure := s.failure
		s.mu.Unlock()

		final := s.State()
		close(s.done)
		s.timer.Cancel()

		// 1. 注册表移除
		s.core.registry.remove(s.id)

		// 2. 仅在 provider 侧已启动时 Stop
		if conn != nil && s.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), s.core.timeouts.Deadline(timeout.ClassConnect))
			err := conn.Stop(ctx)
			cancel()
			s.absorb("stop", err, provider.ErrInvalidState)
		}

		// 3. 关闭连接
		if conn != nil {
			s.absorb("close", conn.Close(provider.CloseNormal, reason), provider.ErrConnectionClosed)
		}
		s.cancel()

		// 4. 释放准入名额
		s.core.admission.CloseStreamingSession()

		// 5. 事件通道：消费协程在运行时由其退出时关闭
		if !running {
			s.flushTerminal()
		}

		// 6. 指标
		success := final == StateActive || final == StateCompleting
		s.core.recorder.RecordComplete(s.rc, success, errorKind(final, failure))

		s.setState(StateClosed)
		s.core.updateGauge()
		s.logger.Info("streaming session closed",
			zap.String("final_state", final.String()),
			zap.String("reason", reason),
			zap.Duration("lifetime", time.Since(s.createdAt)))
	})
}

// absorb 记录关闭路径上的错误，benign 视为良性竞争
func (s *Session) absorb(step string, err, benign error) {
	if err == nil {
		return
	}
	if errors.Is(err, benign) {
		s.logger.Debug("benign race on close",
			zap.String("step", step),
			zap.String("code", string(types.ErrBenignRaceOnClose)),
			zap.Error(err))
		return
	}
	s.logger.Warn("error while closing session", zap.String("step", step), zap.Error(err))
}

func errorKind(final State, failure error) string {
	switch final {
	case StateActive, StateCompleting:
		return ""
	case StateTimedOut:
		return string(types.ErrTimeout)
	}
	if code := types.GetErrorCode(failure); code != "" {
		return string(code)
	}
	if failure != nil {
		return string(types.ErrProviderError)
	}
	return string(types.ErrInternalError)
}
