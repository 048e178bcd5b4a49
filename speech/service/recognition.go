package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/ctxkeys"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/segment"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// TempFiles 临时文件分配，*governor.Governor 实现该接口
type TempFiles interface {
	AllocateTempFile(prefix, suffix string) (*os.File, error)
	ReleaseTempFile(f *os.File)
}

// RecognitionRequest 同步识别请求
type RecognitionRequest struct {
	Audio      []byte `json:"-"`
	Filename   string `json:"filename,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
}

// RecognitionResult 同步识别结果
type RecognitionResult struct {
	RequestID      string        `json:"request_id"`
	Text           string        `json:"text"`
	Language       string        `json:"language,omitempty"`
	Model          string        `json:"model"`
	Format         string        `json:"format"`
	Size           int64         `json:"size"`
	Duration       time.Duration `json:"duration"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// RecognitionService 同步语音识别入口
type RecognitionService struct {
	cfg      config.RecognitionConfig
	recog    provider.Recognizer
	runner   SyncRunner
	temp     TempFiles
	timeouts *timeout.Manager
	recorder Recorder
	logger   *zap.Logger
}

// NewRecognitionService 创建识别服务，recorder 可为 nil
func NewRecognitionService(
	cfg config.RecognitionConfig,
	recog provider.Recognizer,
	runner SyncRunner,
	temp TempFiles,
	timeouts *timeout.Manager,
	recorder Recorder,
	logger *zap.Logger,
) *RecognitionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &RecognitionService{
		cfg:      cfg,
		recog:    recog,
		runner:   runner,
		temp:     temp,
		timeouts: timeouts,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "recognition_service")),
	}
}

// Recognize 校验 → 同步准入 → 超时包裹 → provider → 指标
func (s *RecognitionService) Recognize(ctx context.Context, req *RecognitionRequest) (*RecognitionResult, error) {
	format, estimate, err := s.Validate(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	requestID := uuid.NewString()
	ctx = ctxkeys.WithRequestID(ctx, requestID)
	ctx = ctxkeys.WithClass(ctx, governor.ClassSync)
	logger := s.logger.With(ctxkeys.LogFields(ctx)...)

	size := int64(len(req.Audio))
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	preq := &provider.RecognitionRequest{
		Format:     format,
		SampleRate: req.SampleRate,
		Model:      model,
		Language:   req.Language,
	}

	logger.Info("recognition started",
		zap.Int64("size", size),
		zap.String("format", format),
		zap.Duration("estimated_duration", estimate))

	rc := s.recorder.RecordStart(governor.ClassSync, size)
	res, err := timeout.Run(ctx, s.timeouts, timeout.ClassSync, func(ctx context.Context) (*provider.RecognitionResult, error) {
		results := make(chan *provider.RecognitionResult, 1)
		err := s.runner.SubmitSync(ctx, func(taskCtx context.Context) error {
			r, err := s.recognize(taskCtx, preq, req.Audio, format, logger)
			if err != nil {
				return err
			}
			results <- r
			return nil
		})
		if err != nil {
			return nil, err
		}
		return <-results, nil
	})
	s.recorder.RecordComplete(rc, err == nil, errorKind(err))
	if err != nil {
		logger.Warn("recognition failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	duration := res.Duration
	if duration <= 0 {
		duration = estimate
	}
	result := &RecognitionResult{
		RequestID:      requestID,
		Text:           res.Text,
		Language:       res.Language,
		Model:          model,
		Format:         format,
		Size:           size,
		Duration:       duration,
		ProcessingTime: time.Since(start),
	}
	logger.Info("recognition completed",
		zap.Int("text_runes", len([]rune(res.Text))),
		zap.Duration("elapsed", result.ProcessingTime))
	return result, nil
}

// RecognizeAsync 在 async 截止时间内执行 Recognize，立即返回 Future
func (s *RecognitionService) RecognizeAsync(ctx context.Context, req *RecognitionRequest) *timeout.Future[*RecognitionResult] {
	return timeout.RunAsync(ctx, s.timeouts, timeout.ClassAsync, func(ctx context.Context) (*RecognitionResult, error) {
		return s.Recognize(ctx, req)
	})
}

// recognize 大于落盘阈值的音频先写入临时文件，结束后立即释放
func (s *RecognitionService) recognize(ctx context.Context, preq *provider.RecognitionRequest, audio []byte, format string, logger *zap.Logger) (*provider.RecognitionResult, error) {
	req := *preq
	if s.temp != nil && s.cfg.SpoolThresholdBytes > 0 && int64(len(audio)) > s.cfg.SpoolThresholdBytes {
		f, err := s.temp.AllocateTempFile("speech_recognition", "."+format)
		if err != nil {
			return nil, types.NewError(types.ErrInternalError, "failed to spool audio").WithCause(err)
		}
		defer s.temp.ReleaseTempFile(f)
		if _, err := f.Write(audio); err != nil {
			return nil, types.NewError(types.ErrInternalError, "failed to spool audio").WithCause(err)
		}
		if err := f.Sync(); err != nil {
			return nil, types.NewError(types.ErrInternalError, "failed to spool audio").WithCause(err)
		}
		req.AudioFile = f.Name()
		logger.Debug("audio spooled to temp file", zap.String("path", f.Name()))
	} else {
		req.Audio = audio
	}

	res, err := s.recog.Recognize(ctx, &req)
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.NewProviderError(s.recog.Name(), err)
	}
	return res, nil
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 依次检查大小、格式、参数、文件头与估算时长，返回归一化格式与估算时长
func (s *RecognitionService) Validate(req *RecognitionRequest) (string, time.Duration, error) {
	if req == nil || len(req.Audio) == 0 {
		return "", 0, invalid("audio is empty")
	}
	maxBytes := s.cfg.MaxFileSizeMB * 1024 * 1024
	if maxBytes > 0 && int64(len(req.Audio)) > maxBytes {
		return "", 0, invalid(fmt.Sprintf("audio too large: max %d MB, got %.2f MB",
			s.cfg.MaxFileSizeMB, float64(len(req.Audio))/(1024*1024)))
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if format == "" {
		format = ext
	}
	if format == "" || !slices.Contains(s.cfg.AllowedFormats, format) {
		return "", 0, invalid(fmt.Sprintf("unsupported audio format %q, allowed: %s",
			format, strings.Join(s.cfg.AllowedFormats, ", ")))
	}
	if ext != "" && ext != format {
		s.logger.Warn("file extension does not match format",
			zap.String("extension", ext),
			zap.String("format", format))
	}

	if req.SampleRate != 0 && (req.SampleRate < s.cfg.MinSampleRate || req.SampleRate > s.cfg.MaxSampleRate) {
		return "", 0, invalid(fmt.Sprintf("sample rate out of range %d-%d Hz: %d",
			s.cfg.MinSampleRate, s.cfg.MaxSampleRate, req.SampleRate))
	}
	if req.Model != "" && strings.TrimSpace(req.Model) == "" {
		return "", 0, invalid("model name is blank")
	}

	if !headerMatches(format, req.Audio) {
		return "", 0, invalid("invalid " + format + " file header")
	}

	estimate := estimateDuration(format, req.Audio, req.SampleRate)
	if s.cfg.MaxDuration > 0 && estimate > s.cfg.MaxDuration {
		return "", 0, invalid(fmt.Sprintf("audio too long: max %s, estimated %s",
			s.cfg.MaxDuration, estimate.Round(time.Second)))
	}
	return format, estimate, nil
}

func invalid(msg string) error {
	return types.NewError(types.ErrInvalidRequest, msg)
}

// headerMatches 只校验有可靠魔数的格式
func headerMatches(format string, b []byte) bool {
	switch format {
	case "wav":
		return len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
	case "mp3":
		if len(b) >= 3 && bytes.Equal(b[:3], []byte("ID3")) {
			return true
		}
		return len(b) >= 2 && b[0] == 0xFF && (b[1] == 0xFB || b[1] == 0xF3 || b[1] == 0xF2)
	case "opus", "ogg":
		return len(b) >= 4 && bytes.Equal(b[:4], []byte("OggS"))
	default:
		return true
	}
}

// estimateDuration 按字节率估算时长：WAV 优先读头部，MP3 按 128kbps，
// PCM 按 16-bit 单声道，其余按 16kHz 16-bit 单声道
func estimateDuration(format string, b []byte, sampleRate int) time.Duration {
	bytesPerSecond := 32000
	switch format {
	case "wav":
		if f, err := segment.ParseWAVFormat(b); err == nil && f.BytesPerSecond() > 0 {
			bytesPerSecond = f.BytesPerSecond()
		}
	case "mp3":
		bytesPerSecond = 16000
	case "pcm":
		if sampleRate > 0 {
			bytesPerSecond = sampleRate * 2
		}
	}
	return time.Duration(float64(len(b)) / float64(bytesPerSecond) * float64(time.Second))
}
