package provider

import (
	"context"
	"errors"
	"time"
)

// ============================================================
// 哨兵错误
// ============================================================

var (
	// ErrInvalidState 在 provider 侧的流已经结束时调用 Stop 返回。
	// 会话关闭路径把它视为良性竞争。
	ErrInvalidState = errors.New("provider: stream not in a stoppable state")

	// ErrConnectionClosed 在重复关闭连接或向已关闭连接写入时返回。
	ErrConnectionClosed = errors.New("provider: connection already closed")
)

// CloseNormal 是正常关闭连接使用的关闭码。
const CloseNormal = 1000

// ============================================================
// 文字转语音
// ============================================================

// SynthesisRequest 单次合成请求。
type SynthesisRequest struct {
	Text       string            `json:"text"`
	Model      string            `json:"model,omitempty"`
	Voice      string            `json:"voice,omitempty"`
	Language   string            `json:"language,omitempty"`
	Format     string            `json:"format,omitempty"` // wav, pcm, mp3
	SampleRate int               `json:"sample_rate,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SynthesisResult 合成结果，音频已完整缓冲。
type SynthesisResult struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Audio      []byte    `json:"-"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sample_rate,omitempty"`
	CharCount  int       `json:"char_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SynthesisCallback 接收流式合成的推送。
// 回调可能在 provider 自己的 goroutine 上调用，实现方不得阻塞过久。
type SynthesisCallback interface {
	OnAudio(chunk []byte)
	OnComplete()
	OnError(err error)
}

// Synthesizer 定义合成 provider。
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error)
	StreamSynthesize(ctx context.Context, req *SynthesisRequest, cb SynthesisCallback) (Connection, error)
}

// ============================================================
// 语音转文字
// ============================================================

// RecognitionRequest 单次识别请求。Audio 与 AudioFile 二选一，
// AudioFile 优先，用于大文件落盘后的识别。
type RecognitionRequest struct {
	Audio      []byte `json:"-"`
	AudioFile  string `json:"audio_file,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
}

// RecognitionResult 识别结果。
type RecognitionResult struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Text      string        `json:"text"`
	Language  string        `json:"language,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// RecognitionCallback 接收流式识别的推送。
type RecognitionCallback interface {
	OnTranscript(text string, final bool)
	OnComplete()
	OnError(err error)
}

// Recognizer 定义识别 provider。
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, req *RecognitionRequest) (*RecognitionResult, error)
	StreamRecognize(ctx context.Context, req *RecognitionRequest, cb RecognitionCallback) (Connection, error)
}

// ============================================================
// 连接
// ============================================================

// Connection 是一条活跃的流式连接。
//
// Stop 请求 provider 结束当前任务（识别方向会触发最终结果），
// 对已结束的流返回 ErrInvalidState；Close 释放底层连接，
// 重复调用返回 ErrConnectionClosed。
type Connection interface {
	SendAudioFrame(ctx context.Context, frame []byte) error
	Stop(ctx context.Context) error
	Close(code int, reason string) error
}
