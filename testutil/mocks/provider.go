// MockProvider 语音 provider 的测试模拟实现。
//
// 同时实现 provider.Synthesizer 与 provider.Recognizer，支持固定输出、
// 自定义函数、延迟、错误注入，以及手动驱动的流式连接。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
)

// --- MockProvider 结构 ---

// MockCall 记录单次调用
type MockCall struct {
	Method      string
	Synthesis   *provider.SynthesisRequest
	Recognition *provider.RecognitionRequest
	Error       error
}

// MockProvider 是语音 provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	name string

	// 响应配置
	sampleRate   int
	transcript   string
	streamChunks [][]byte
	err          error
	streamErr    error

	// 自定义函数
	synthesizeFunc func(ctx context.Context, req *provider.SynthesisRequest) (*provider.SynthesisResult, error)
	recognizeFunc  func(ctx context.Context, req *provider.RecognitionRequest) (*provider.RecognitionResult, error)

	// 行为控制
	delay        time.Duration
	delayFunc    func(text string) time.Duration
	failAfter    int
	manualStream bool

	// 调用记录
	callCount int
	calls     []MockCall
	conns     []*MockConnection
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:       "mock",
		sampleRate: 24000,
		transcript: "mock transcript",
	}
}

// WithName 设置 provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithTranscript 设置识别结果
func (m *MockProvider) WithTranscript(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = text
	return m
}

// WithError 设置所有调用返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamError 设置流式连接建立时返回的错误
func (m *MockProvider) WithStreamError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
	return m
}

// WithStreamChunks 设置流式合成自动推送的音频块
func (m *MockProvider) WithStreamChunks(chunks ...[]byte) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithManualStream 流式连接不自动推送，由测试通过 MockConnection 驱动
func (m *MockProvider) WithManualStream() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualStream = true
	return m
}

// WithDelay 设置固定响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithDelayFunc 按文本决定合成延迟，用于打乱完成顺序
func (m *MockProvider) WithDelayFunc(fn func(text string) time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayFunc = fn
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithSynthesizeFunc 设置自定义合成函数
func (m *MockProvider) WithSynthesizeFunc(fn func(ctx context.Context, req *provider.SynthesisRequest) (*provider.SynthesisResult, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synthesizeFunc = fn
	return m
}

// WithRecognizeFunc 设置自定义识别函数
func (m *MockProvider) WithRecognizeFunc(fn func(ctx context.Context, req *provider.RecognitionRequest) (*provider.RecognitionResult, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recognizeFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// record 记录调用并判断是否需要注入错误
func (m *MockProvider) record(call MockCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if m.failAfter > 0 && m.callCount > m.failAfter {
		call.Error = errors.New("mock provider: configured to fail after N calls")
	} else if m.err != nil {
		call.Error = m.err
	}
	m.calls = append(m.calls, call)
	return call.Error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synthesize 合成。默认把文本字节作为 PCM 负载封装成 WAV，
// 便于断言拼接顺序。
func (m *MockProvider) Synthesize(ctx context.Context, req *provider.SynthesisRequest) (*provider.SynthesisResult, error) {
	m.mu.RLock()
	delay := m.delay
	if m.delayFunc != nil {
		delay = m.delayFunc(req.Text)
	}
	fn := m.synthesizeFunc
	sampleRate := m.sampleRate
	name := m.name
	m.mu.RUnlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	if err := m.record(MockCall{Method: "Synthesize", Synthesis: req}); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	return &provider.SynthesisResult{
		Provider:   name,
		Model:      req.Model,
		Audio:      provider.EncodeWAV(PCMFromText(req.Text), sampleRate, 16, 1),
		Format:     "wav",
		SampleRate: sampleRate,
		CharCount:  len([]rune(req.Text)),
		CreatedAt:  time.Now(),
	}, nil
}

// StreamSynthesize 建立流式合成连接
func (m *MockProvider) StreamSynthesize(ctx context.Context, req *provider.SynthesisRequest, cb provider.SynthesisCallback) (provider.Connection, error) {
	m.mu.RLock()
	streamErr := m.streamErr
	manual := m.manualStream
	chunks := append([][]byte(nil), m.streamChunks...)
	m.mu.RUnlock()

	if err := m.record(MockCall{Method: "StreamSynthesize", Synthesis: req}); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	conn := &MockConnection{synth: cb}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	if !manual {
		go func() {
			for _, c := range chunks {
				conn.EmitAudio(c)
			}
			conn.EmitComplete()
		}()
	}
	return conn, nil
}

// Recognize 识别
func (m *MockProvider) Recognize(ctx context.Context, req *provider.RecognitionRequest) (*provider.RecognitionResult, error) {
	m.mu.RLock()
	delay := m.delay
	fn := m.recognizeFunc
	transcript := m.transcript
	name := m.name
	m.mu.RUnlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	if err := m.record(MockCall{Method: "Recognize", Recognition: req}); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return &provider.RecognitionResult{
		Provider:  name,
		Model:     req.Model,
		Text:      transcript,
		Language:  req.Language,
		CreatedAt: time.Now(),
	}, nil
}

// StreamRecognize 建立流式识别连接。Stop 时推送最终结果并完成。
func (m *MockProvider) StreamRecognize(ctx context.Context, req *provider.RecognitionRequest, cb provider.RecognitionCallback) (provider.Connection, error) {
	m.mu.RLock()
	streamErr := m.streamErr
	transcript := m.transcript
	manual := m.manualStream
	m.mu.RUnlock()

	if err := m.record(MockCall{Method: "StreamRecognize", Recognition: req}); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	conn := &MockConnection{recog: cb, finalText: transcript, autoFinal: !manual}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()
	return conn, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockProvider) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockProvider) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// Connections 返回已建立的流式连接
func (m *MockProvider) Connections() []*MockConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MockConnection{}, m.conns...)
}

// LastConnection 返回最近一次建立的连接
func (m *MockProvider) LastConnection() *MockConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

// Reset 重置所有状态
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.conns = nil
	m.err = nil
}

// PCMFromText 把文本字节补齐到偶数长度，作为 16-bit PCM 负载
func PCMFromText(text string) []byte {
	b := []byte(text)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

// =============================================================================
// 🔌 MockConnection
// =============================================================================

// MockConnection 模拟流式连接，记录帧并可手动触发回调
type MockConnection struct {
	mu sync.Mutex

	synth     provider.SynthesisCallback
	recog     provider.RecognitionCallback
	finalText string
	autoFinal bool

	frames     [][]byte
	finished   bool
	closed     bool
	stopCalls  int
	closeCalls int
	closeCode  int

	// 错误注入
	StopErr  error
	CloseErr error
	SendErr  error
}

// SendAudioFrame 记录音频帧
func (c *MockConnection) SendAudioFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrConnectionClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

// Stop 结束任务。已结束的流返回 provider.ErrInvalidState。
func (c *MockConnection) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopCalls++
	if c.StopErr != nil {
		err := c.StopErr
		c.mu.Unlock()
		return err
	}
	if c.finished || c.closed {
		c.mu.Unlock()
		return provider.ErrInvalidState
	}
	auto := c.autoFinal && c.recog != nil
	text := c.finalText
	c.mu.Unlock()

	if auto {
		c.EmitTranscript(text, true)
		c.EmitComplete()
		return nil
	}
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	return nil
}

// Close 关闭连接，重复关闭返回 provider.ErrConnectionClosed
func (c *MockConnection) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.CloseErr != nil {
		return c.CloseErr
	}
	if c.closed {
		return provider.ErrConnectionClosed
	}
	c.closed = true
	c.closeCode = code
	return nil
}

// EmitAudio 推送一块合成音频
func (c *MockConnection) EmitAudio(chunk []byte) {
	if c.synth != nil {
		c.synth.OnAudio(chunk)
	}
}

// EmitTranscript 推送一条识别结果
func (c *MockConnection) EmitTranscript(text string, final bool) {
	if c.recog != nil {
		c.recog.OnTranscript(text, final)
	}
}

// EmitComplete 推送完成，之后 Stop 返回 ErrInvalidState
func (c *MockConnection) EmitComplete() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	if c.synth != nil {
		c.synth.OnComplete()
	}
	if c.recog != nil {
		c.recog.OnComplete()
	}
}

// EmitError 推送错误
func (c *MockConnection) EmitError(err error) {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	if c.synth != nil {
		c.synth.OnError(err)
	}
	if c.recog != nil {
		c.recog.OnError(err)
	}
}

// Frames 返回已发送的帧
func (c *MockConnection) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// StopCalls 返回 Stop 调用次数
func (c *MockConnection) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}

// CloseCalls 返回 Close 调用次数
func (c *MockConnection) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed 连接是否已关闭
func (c *MockConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// --- 预设 Provider 工厂 ---

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(err error) *MockProvider {
	return NewMockProvider().WithError(err)
}

// NewFlakeyProvider 创建不稳定的 Provider（间歇性失败）
func NewFlakeyProvider(failAfter int) *MockProvider {
	return NewMockProvider().WithFailAfter(failAfter)
}
