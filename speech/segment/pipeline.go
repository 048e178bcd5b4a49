package segment

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/ctxkeys"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

const instrumentationName = "github.com/Carolier2003/ai-roleplay-sub001/speech/segment"

// Executor 提交异步任务的资源管控方，*governor.Governor 实现该接口
type Executor interface {
	SubmitAsync(ctx context.Context, task governor.Task) (*governor.Future, error)
}

// SegmentRecorder 记录分段数量，可选
type SegmentRecorder interface {
	RecordSegments(n int)
}

// Pipeline 长文本合成管线：切分 → 并发合成 → 按序拼接。
// 管线自身不做重试，任何一段失败即整体失败。
type Pipeline struct {
	splitter    *Splitter
	synth       provider.Synthesizer
	exec        Executor
	gap         time.Duration
	maxInFlight int
	recorder    SegmentRecorder
	tracer      trace.Tracer
	logger      *zap.Logger
}

// PipelineOption 管线选项
type PipelineOption func(*Pipeline)

// WithMaxInFlight 限制同一请求同时在途的段数
func WithMaxInFlight(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

// WithSegmentRecorder 设置分段计数器
func WithSegmentRecorder(r SegmentRecorder) PipelineOption {
	return func(p *Pipeline) { p.recorder = r }
}

// NewPipeline 创建管线
func NewPipeline(cfg config.SegmentConfig, synth provider.Synthesizer, exec Executor, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	gap := cfg.SilenceGap
	if gap < 0 {
		gap = 0
	}
	p := &Pipeline{
		splitter:    NewSplitter(cfg.Ceiling),
		synth:       synth,
		exec:        exec,
		gap:         gap,
		maxInFlight: 4,
		tracer:      otel.Tracer(instrumentationName),
		logger:      logger.With(zap.String("component", "segment_pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Splitter 返回管线使用的切分器
func (p *Pipeline) Splitter() *Splitter { return p.splitter }

// SynthesizeLongText 合成任意长度文本，返回拼接后的 WAV。
// 段合成失败返回携带段序号的 SEGMENT_SYNTHESIS_FAILED；
// 准入拒绝原样返回 CAPACITY_EXCEEDED。
func (p *Pipeline) SynthesizeLongText(ctx context.Context, req *provider.SynthesisRequest) ([]byte, error) {
	segments := p.splitter.Split(req.Text)
	if len(segments) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "text is empty")
	}

	ctx, span := p.tracer.Start(ctx, "speech.segment.synthesize_long_text",
		trace.WithAttributes(
			attribute.Int("segment.count", len(segments)),
			attribute.Int("text.runes", len([]rune(req.Text))),
		))
	defer span.End()

	logger := p.logger.With(ctxkeys.LogFields(ctx)...)
	logger.Info("long text split",
		zap.Int("segments", len(segments)),
		zap.Int("ceiling", p.splitter.Ceiling))

	start := time.Now()
	results := make([]AudioSegment, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxInFlight)
	for i, seg := range segments {
		g.Go(func() error {
			audio, err := p.synthesizeSegment(gctx, req, seg)
			if err != nil {
				logger.Warn("segment synthesis failed",
					zap.Int("segment_index", seg.Index),
					zap.Error(err))
				return err
			}
			results[i] = AudioSegment{Index: seg.Index, Audio: audio}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	audio, err := Reassemble(results, p.gap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if p.recorder != nil {
		p.recorder.RecordSegments(len(segments))
	}

	logger.Info("long text synthesized",
		zap.Int("segments", len(segments)),
		zap.Int("bytes", len(audio)),
		zap.Duration("elapsed", time.Since(start)))
	return audio, nil
}

// synthesizeSegment 通过异步池合成单段
func (p *Pipeline) synthesizeSegment(ctx context.Context, req *provider.SynthesisRequest, seg Segment) ([]byte, error) {
	sreq := *req
	sreq.Text = seg.Text
	sreq.Format = "wav"

	var audio []byte
	f, err := p.exec.SubmitAsync(ctx, func(taskCtx context.Context) error {
		res, err := p.synth.Synthesize(taskCtx, &sreq)
		if err != nil {
			return err
		}
		audio = res.Audio
		return nil
	})
	if err != nil {
		if types.IsCode(err, types.ErrCapacityExceeded) {
			return nil, err
		}
		return nil, segmentError(seg.Index, err)
	}
	if err := f.Wait(ctx); err != nil {
		return nil, segmentError(seg.Index, err)
	}
	return audio, nil
}

func segmentError(index int, cause error) error {
	e := types.NewError(types.ErrSegmentSynthesisFailed, "segment synthesis failed").
		WithIndex(index).WithCause(cause)
	if pe, ok := types.AsError(cause); ok && pe.Provider != "" {
		e = e.WithProvider(pe.Provider)
	}
	return e
}
