package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/ctxkeys"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/text"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

const instrumentationName = "github.com/Carolier2003/ai-roleplay-sub001/speech/service"

// flatRateModel 按字符计费的模型，其余模型按 token 估算用量
const flatRateModel = "qwen3-tts-flash"

// =============================================================================
// 🔌 协作方
// =============================================================================

// SyncRunner 同步准入，*governor.Governor 实现该接口
type SyncRunner interface {
	SubmitSync(ctx context.Context, task governor.Task) error
}

// LongTextSynthesizer 长文本分段合成，*segment.Pipeline 实现该接口
type LongTextSynthesizer interface {
	SynthesizeLongText(ctx context.Context, req *provider.SynthesisRequest) ([]byte, error)
}

// Archiver 合成音频归档，*storage.AudioArchive 实现该接口
type Archiver interface {
	Save(ctx context.Context, audio []byte, format string) (string, error)
}

// Recorder 请求级指标，*monitor.Collector 实现该接口
type Recorder interface {
	RecordStart(class string, size int64) *monitor.RequestContext
	RecordComplete(rc *monitor.RequestContext, success bool, errorKind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordStart(string, int64) *monitor.RequestContext        { return nil }
func (nopRecorder) RecordComplete(*monitor.RequestContext, bool, string) {}

// errorKind 失败分类，优先使用错误码
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELED"
	}
	return string(types.ErrInternalError)
}

// =============================================================================
// 🗣️ 同步合成
// =============================================================================

// SynthesisRequest 同步合成请求
type SynthesisRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
	Format   string `json:"format,omitempty"`
	// Save 单次请求要求归档，与配置中的 SaveAudio 取或
	Save bool `json:"save,omitempty"`
}

// SynthesisResult 同步合成结果
type SynthesisResult struct {
	RequestID      string        `json:"request_id"`
	Audio          []byte        `json:"-"`
	Format         string        `json:"format"`
	SampleRate     int           `json:"sample_rate"`
	Voice          string        `json:"voice"`
	Language       string        `json:"language"`
	Model          string        `json:"model"`
	CharCount      int           `json:"char_count"`
	Segmented      bool          `json:"segmented"`
	StorageKey     string        `json:"storage_key,omitempty"`
	TokenUsage     int           `json:"token_usage"`
	EstimatedCost  float64       `json:"estimated_cost"`
	StartTime      time.Time     `json:"start_time"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// SynthesisService 同步文字转语音入口：
// 预处理 → 适合性检查 → 语言判定 → 同步准入 → 超时包裹 → 单次或分段合成 → 可选归档 → 指标。
type SynthesisService struct {
	cfg      config.SynthesisConfig
	ceiling  int
	synth    provider.Synthesizer
	pipeline LongTextSynthesizer
	runner   SyncRunner
	timeouts *timeout.Manager
	text     *text.Preprocessor
	archive  Archiver
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// SynthesisOption 合成服务选项
type SynthesisOption func(*SynthesisService)

// WithArchive 设置音频归档
func WithArchive(a Archiver) SynthesisOption {
	return func(s *SynthesisService) { s.archive = a }
}

// WithSynthesisRecorder 设置指标记录
func WithSynthesisRecorder(r Recorder) SynthesisOption {
	return func(s *SynthesisService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewSynthesisService 创建合成服务。ceiling 为单次请求的字符上限，超过时走分段管线。
func NewSynthesisService(
	cfg config.SynthesisConfig,
	ceiling int,
	synth provider.Synthesizer,
	pipeline LongTextSynthesizer,
	runner SyncRunner,
	timeouts *timeout.Manager,
	logger *zap.Logger,
	opts ...SynthesisOption,
) *SynthesisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SynthesisService{
		cfg:      cfg,
		ceiling:  ceiling,
		synth:    synth,
		pipeline: pipeline,
		runner:   runner,
		timeouts: timeouts,
		text:     text.NewPreprocessor(logger),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "synthesis_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize 合成一段文本
func (s *SynthesisService) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	if req == nil || req.Text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "text is empty")
	}
	if n := utf8.RuneCountInString(req.Text); s.cfg.MaxInputLength > 0 && n > s.cfg.MaxInputLength {
		return nil, types.NewError(types.ErrInvalidRequest, "text exceeds max input length")
	}

	processed := s.text.Preprocess(req.Text)
	// 预处理可能补一个句末标点
	if !s.text.IsSuitable(processed, s.maxInput()+1) {
		return nil, types.NewError(types.ErrTextNotSuitable, "text is not suitable for synthesis")
	}
	language := s.text.DetermineLanguage(processed, req.Language)

	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	if !VoiceSupports(voice, language) {
		return nil, types.NewError(types.ErrInvalidRequest, "voice "+voice+" does not support "+language)
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	format := req.Format
	if format == "" {
		format = "wav"
	}

	preq := &provider.SynthesisRequest{
		Text:       processed,
		Model:      model,
		Voice:      voice,
		Language:   language,
		Format:     format,
		SampleRate: s.cfg.SampleRate,
	}
	return s.run(ctx, preq, req.Save || s.cfg.SaveAudio)
}

// SynthesizeForCharacter 角色播报路径：先做适合性检查，不适合的文本直接拒绝，
// 音色取角色映射，缺省为默认音色。
func (s *SynthesisService) SynthesizeForCharacter(ctx context.Context, content, characterID, language string) (*SynthesisResult, error) {
	if !s.text.IsSuitable(content, s.cfg.MaxTextLength) {
		s.logger.Info("text not suitable for character speech, skipped",
			zap.String("character_id", characterID),
			zap.Int("runes", utf8.RuneCountInString(content)))
		return nil, types.NewError(types.ErrTextNotSuitable, "text is not suitable for synthesis")
	}
	return s.Synthesize(ctx, &SynthesisRequest{
		Text:     content,
		Voice:    s.VoiceForCharacter(characterID),
		Language: language,
	})
}

// VoiceForCharacter 角色的推荐音色
func (s *SynthesisService) VoiceForCharacter(characterID string) string {
	if v, ok := s.cfg.CharacterVoices[characterID]; ok && v != "" {
		return v
	}
	return s.cfg.DefaultVoice
}

func (s *SynthesisService) maxInput() int {
	if s.cfg.MaxInputLength > 0 {
		return s.cfg.MaxInputLength
	}
	return 20000
}

func (s *SynthesisService) run(ctx context.Context, preq *provider.SynthesisRequest, save bool) (*SynthesisResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	chars := utf8.RuneCountInString(preq.Text)
	segmented := s.pipeline != nil && s.ceiling > 0 && chars > s.ceiling

	ctx = ctxkeys.WithRequestID(ctx, requestID)
	ctx = ctxkeys.WithClass(ctx, governor.ClassSync)
	ctx, span := s.tracer.Start(ctx, "speech.service.synthesize",
		trace.WithAttributes(
			attribute.Int("text.runes", chars),
			attribute.Bool("segmented", segmented),
			attribute.String("voice", preq.Voice),
		))
	defer span.End()

	logger := s.logger.With(ctxkeys.LogFields(ctx)...)
	logger.Info("synthesis started",
		zap.Int("runes", chars),
		zap.String("voice", preq.Voice),
		zap.String("language", preq.Language),
		zap.Bool("segmented", segmented))

	rc := s.recorder.RecordStart(governor.ClassSync, int64(len(preq.Text)))
	audio, err := timeout.Run(ctx, s.timeouts, timeout.ClassSync, func(ctx context.Context) ([]byte, error) {
		// 超时后任务可能仍在池中运行，结果只经通道交付
		results := make(chan []byte, 1)
		err := s.runner.SubmitSync(ctx, func(taskCtx context.Context) error {
			if segmented {
				b, err := s.pipeline.SynthesizeLongText(taskCtx, preq)
				if err != nil {
					return err
				}
				results <- b
				return nil
			}
			res, err := s.synth.Synthesize(taskCtx, preq)
			if err != nil {
				if _, ok := types.AsError(err); ok {
					return err
				}
				return types.NewProviderError(s.synth.Name(), err)
			}
			results <- res.Audio
			return nil
		})
		if err != nil {
			return nil, err
		}
		return <-results, nil
	})
	s.recorder.RecordComplete(rc, err == nil, errorKind(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("synthesis failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	format := preq.Format
	if segmented {
		format = "wav"
	}
	result := &SynthesisResult{
		RequestID:     requestID,
		Audio:         audio,
		Format:        format,
		SampleRate:    preq.SampleRate,
		Voice:         preq.Voice,
		Language:      preq.Language,
		Model:         preq.Model,
		CharCount:     chars,
		Segmented:     segmented,
		TokenUsage:    tokenUsage(preq.Model, chars),
		EstimatedCost: s.estimateCost(chars),
		StartTime:     start,
	}

	if save && s.archive != nil {
		// 归档失败不影响合成结果
		if key, err := s.archive.Save(ctx, audio, format); err != nil {
			logger.Warn("failed to archive synthesized audio", zap.Error(err))
		} else {
			result.StorageKey = key
		}
	}

	result.ProcessingTime = time.Since(start)
	logger.Info("synthesis completed",
		zap.Int("bytes", len(audio)),
		zap.Duration("elapsed", result.ProcessingTime))
	return result, nil
}

// tokenUsage 按字符计费的模型直接计字符，其余按字符数 1.5 倍估算
func tokenUsage(model string, chars int) int {
	if model == flatRateModel {
		return chars
	}
	return int(float64(chars) * 1.5)
}

// estimateCost 每万字符单价折算
func (s *SynthesisService) estimateCost(chars int) float64 {
	return float64(chars) / 10000 * s.cfg.PricePer10KChars
}
