package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/internal/tlsutil"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// OpenAIConfig 配置 OpenAI 兼容的语音接口。
type OpenAIConfig struct {
	APIKey    string        `json:"api_key" yaml:"api_key"`
	BaseURL   string        `json:"base_url" yaml:"base_url"`
	TTSModel  string        `json:"tts_model,omitempty" yaml:"tts_model,omitempty"`
	STTModel  string        `json:"stt_model,omitempty" yaml:"stt_model,omitempty"`
	Voice     string        `json:"voice,omitempty" yaml:"voice,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ChunkSize int           `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
}

// OpenAIProvider 通过 /v1/audio/speech 与 /v1/audio/transcriptions 实现
// Synthesizer 和 Recognizer。流式合成读取分块响应体；流式识别在客户端
// 缓冲音频帧，Stop 时整体转写并推送最终结果。
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	// streamClient 没有整体超时，流的生命周期由 context 控制
	streamClient *http.Client
	logger       *zap.Logger
}

// NewOpenAIProvider 创建新的 OpenAI 兼容 provider.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "tts-1"
	}
	if cfg.STTModel == "" {
		cfg.STTModel = "whisper-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4800 // 100ms of 24kHz 16-bit mono
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIProvider{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.SecureHTTPClient(0),
		logger:       logger.With(zap.String("component", "openai_speech")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAISpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (p *OpenAIProvider) speechRequest(ctx context.Context, req *SynthesisRequest, defaultFormat string) (*http.Request, string, string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.TTSModel
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}

	payload, err := json.Marshal(openAISpeechRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/speech",
		bytes.NewReader(payload))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, model, format, nil
}

// Synthesize 合成完整音频并缓冲返回.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	httpReq, model, format, err := p.speechRequest(ctx, req, "wav")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewProviderError(p.Name(), err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewProviderError(p.Name(), fmt.Errorf("read audio: %w", err))
	}

	return &SynthesisResult{
		Provider:   p.Name(),
		Model:      model,
		Audio:      audio,
		Format:     format,
		SampleRate: req.SampleRate,
		CharCount:  len([]rune(req.Text)),
		CreatedAt:  time.Now(),
	}, nil
}

// StreamSynthesize 发起流式合成，音频按 ChunkSize 分块推送给 cb.
// 默认格式为 pcm，便于调用方按字节数换算时长。
func (p *OpenAIProvider) StreamSynthesize(ctx context.Context, req *SynthesisRequest, cb SynthesisCallback) (Connection, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, _, _, err := p.speechRequest(streamCtx, req, "pcm")
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, types.NewProviderError(p.Name(), err).WithRetryable(true)
	}
	if err := p.checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	conn := &synthesisStream{
		provider: p.Name(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go conn.pump(resp.Body, p.cfg.ChunkSize, cb, p.logger)
	return conn, nil
}

type synthesisStream struct {
	provider string
	cancel   context.CancelFunc
	done     chan struct{}
	finished atomic.Bool
	stopped  atomic.Bool
	closed   atomic.Bool
}

func (s *synthesisStream) pump(body io.ReadCloser, chunkSize int, cb SynthesisCallback, logger *zap.Logger) {
	defer close(s.done)
	defer body.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 && !s.stopped.Load() {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cb.OnAudio(chunk)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.finished.Store(true)
			if !s.stopped.Load() {
				cb.OnComplete()
			}
			return
		default:
			s.finished.Store(true)
			if s.stopped.Load() {
				logger.Debug("synthesis stream ended after stop", zap.Error(err))
				return
			}
			cb.OnError(types.NewProviderError(s.provider, err))
			return
		}
	}
}

func (s *synthesisStream) SendAudioFrame(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: synthesis stream does not accept audio", ErrInvalidState)
}

func (s *synthesisStream) Stop(ctx context.Context) error {
	if s.finished.Load() || s.stopped.Swap(true) {
		return ErrInvalidState
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *synthesisStream) Close(code int, reason string) error {
	if s.closed.Swap(true) {
		return ErrConnectionClosed
	}
	s.stopped.Store(true)
	s.cancel()
	return nil
}

// ============================================================
// 识别
// ============================================================

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Recognize 转写一段完整音频.
func (p *OpenAIProvider) Recognize(ctx context.Context, req *RecognitionRequest) (*RecognitionResult, error) {
	audio, err := openAudio(req)
	if err != nil {
		return nil, err
	}
	defer audio.Close()

	model := req.Model
	if model == "" {
		model = p.cfg.STTModel
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, fmt.Errorf("failed to copy audio: %w", err)
	}
	_ = writer.WriteField("model", model)
	if req.Language != "" {
		_ = writer.WriteField("language", req.Language)
	}
	_ = writer.WriteField("response_format", "verbose_json")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/transcriptions",
		&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewProviderError(p.Name(), err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}

	var wResp whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wResp); err != nil {
		return nil, types.NewProviderError(p.Name(), fmt.Errorf("decode transcription: %w", err))
	}

	return &RecognitionResult{
		Provider:  p.Name(),
		Model:     model,
		Text:      wResp.Text,
		Language:  wResp.Language,
		Duration:  time.Duration(wResp.Duration * float64(time.Second)),
		CreatedAt: time.Now(),
	}, nil
}

func openAudio(req *RecognitionRequest) (io.ReadCloser, error) {
	if req.AudioFile != "" {
		f, err := os.Open(req.AudioFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio file: %w", err)
		}
		return f, nil
	}
	if len(req.Audio) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "audio input is required")
	}
	return io.NopCloser(bytes.NewReader(req.Audio)), nil
}

// StreamRecognize 打开流式识别连接。音频帧在客户端累积，
// Stop 时以一次转写产出最终结果。
func (p *OpenAIProvider) StreamRecognize(ctx context.Context, req *RecognitionRequest, cb RecognitionCallback) (Connection, error) {
	if cb == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "recognition callback is required")
	}
	template := *req
	template.Audio = nil
	template.AudioFile = ""
	return &recognitionStream{provider: p, req: template, cb: cb}, nil
}

type recognitionStream struct {
	provider *OpenAIProvider
	req      RecognitionRequest
	cb       RecognitionCallback

	mu      sync.Mutex
	buf     bytes.Buffer
	stopped bool
	closed  bool
}

func (s *recognitionStream) SendAudioFrame(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	if s.stopped {
		return ErrInvalidState
	}
	s.buf.Write(frame)
	return nil
}

func (s *recognitionStream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.stopped = true
	audio := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	if len(audio) == 0 {
		s.cb.OnComplete()
		return nil
	}

	req := s.req
	req.Audio = audio
	if req.Format == "" || req.Format == "pcm" {
		req.Audio = EncodeWAV(audio, req.SampleRate, 16, 1)
		req.Format = "wav"
	}

	result, err := s.provider.Recognize(ctx, &req)
	if err != nil {
		s.cb.OnError(err)
		return nil
	}
	s.cb.OnTranscript(result.Text, true)
	s.cb.OnComplete()
	return nil
}

func (s *recognitionStream) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	s.closed = true
	s.buf.Reset()
	return nil
}


func (p *OpenAIProvider) checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return types.NewProviderError(p.Name(),
		fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
		WithRetryable(retryable)
}
