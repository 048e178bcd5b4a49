package session

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/segment"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// SynthesisManager 流式语音合成会话管理器。
// 超过单次上限的文本在同一会话内按段依次合成，序号与累计时长跨段连续。
type SynthesisManager struct {
	*core
	synth    provider.Synthesizer
	splitter *segment.Splitter
}

// NewSynthesisManager 创建流式合成管理器
func NewSynthesisManager(
	synth provider.Synthesizer,
	admission Admission,
	timeouts *timeout.Manager,
	cfg config.StreamingConfig,
	segCfg config.SegmentConfig,
	logger *zap.Logger,
	opts ...Option,
) *SynthesisManager {
	return &SynthesisManager{
		core:     newCore(KindSynthesis, synth.Name(), admission, timeouts, cfg, logger, opts),
		synth:    synth,
		splitter: segment.NewSplitter(segCfg.Ceiling),
	}
}

// Open 打开流式合成会话，返回会话与事件通道。
// 流式合成固定请求 PCM 输出，时长按流格式的每秒字节数估算。
func (m *SynthesisManager) Open(ctx context.Context, req *provider.SynthesisRequest) (*Session, <-chan Event, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, nil, types.NewError(types.ErrInvalidRequest, "text is required")
	}

	parts := []string{req.Text}
	if utf8.RuneCountInString(req.Text) > m.splitter.Ceiling {
		segs := m.splitter.Split(req.Text)
		parts = make([]string, len(segs))
		for i, seg := range segs {
			parts[i] = seg.Text
		}
		m.logger.Info("streaming synthesis split into segments", zap.Int("segments", len(parts)))
	}

	request := func(text string) *provider.SynthesisRequest {
		r := *req
		r.Text = text
		r.Format = "pcm"
		return &r
	}

	s, err := m.open(ctx, int64(len(req.Text)), func(ctx context.Context, cb inbox) (provider.Connection, error) {
		if len(parts) > 1 {
			cb.s.next = m.nextSegment(cb, parts, request)
		}
		return m.synth.StreamSynthesize(ctx, request(parts[0]), cb)
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s.events, nil
}

// nextSegment 返回在上一段完成后拨出下一段连接的续接函数
func (m *SynthesisManager) nextSegment(cb inbox, parts []string, request func(string) *provider.SynthesisRequest) func() (bool, error) {
	idx := 0
	return func() (bool, error) {
		idx++
		if idx >= len(parts) {
			return false, nil
		}
		s := cb.s
		s.logger.Debug("streaming next segment", zap.Int("segment_index", idx), zap.Int("segments", len(parts)))
		conn, err := m.synth.StreamSynthesize(s.ctx, request(parts[idx]), cb)
		if err != nil {
			if _, ok := types.AsError(err); ok {
				return false, err
			}
			return false, types.NewProviderError(m.providerName, err).WithSession(s.id).WithIndex(idx)
		}
		if err := s.replaceConn(conn); err != nil {
			return false, err
		}
		return true, nil
	}
}
