package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// RecognitionManager 流式语音识别会话管理器
type RecognitionManager struct {
	*core
	recog provider.Recognizer
}

// NewRecognitionManager 创建流式识别管理器
func NewRecognitionManager(
	recog provider.Recognizer,
	admission Admission,
	timeouts *timeout.Manager,
	cfg config.StreamingConfig,
	logger *zap.Logger,
	opts ...Option,
) *RecognitionManager {
	return &RecognitionManager{
		core:  newCore(KindRecognition, recog.Name(), admission, timeouts, cfg, logger, opts),
		recog: recog,
	}
}

// Open 打开流式识别会话，返回会话 ID 与事件通道
func (m *RecognitionManager) Open(ctx context.Context, req *provider.RecognitionRequest) (string, <-chan Event, error) {
	if req == nil {
		req = &provider.RecognitionRequest{}
	}
	s, err := m.open(ctx, 0, func(ctx context.Context, cb inbox) (provider.Connection, error) {
		return m.recog.StreamRecognize(ctx, req, cb)
	})
	if err != nil {
		return "", nil, err
	}
	return s.id, s.events, nil
}

// SendAudio 向 ACTIVE 会话转发一帧音频，其它状态一律报错而不是丢弃
func (m *RecognitionManager) SendAudio(ctx context.Context, id string, frame []byte) error {
	s, err := m.active(id)
	if err != nil {
		return err
	}
	if s.stopped.Load() {
		return types.NewSessionStateError(id, "session is stopping")
	}
	conn := s.connection()
	if err := conn.SendAudioFrame(ctx, frame); err != nil {
		if errors.Is(err, provider.ErrConnectionClosed) || errors.Is(err, provider.ErrInvalidState) {
			return types.NewSessionStateError(id, "connection no longer accepts audio").WithCause(err)
		}
		if _, ok := types.AsError(err); ok {
			return err
		}
		return types.NewProviderError(m.providerName, err).WithSession(id)
	}
	s.touch()
	return nil
}

// Stop 请求 provider 结束识别并推送最终结果，会话随后在 complete 事件后关闭
func (m *RecognitionManager) Stop(ctx context.Context, id string) error {
	s, err := m.active(id)
	if err != nil {
		return err
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.touch()
	if err := s.connection().Stop(ctx); err != nil {
		if errors.Is(err, provider.ErrInvalidState) {
			s.logger.Debug("stop on finished recognition", zap.String("code", string(types.ErrBenignRaceOnClose)))
			return nil
		}
		if _, ok := types.AsError(err); ok {
			return err
		}
		return types.NewProviderError(m.providerName, err).WithSession(id)
	}
	return nil
}
