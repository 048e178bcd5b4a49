package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/segment"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/storage"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
	"github.com/Carolier2003/ai-roleplay-sub001/testutil/fixtures"
	"github.com/Carolier2003/ai-roleplay-sub001/testutil/mocks"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// --- 测试夹具 ---

type fixture struct {
	gov       *governor.Governor
	timeouts  *timeout.Manager
	collector *monitor.Collector
}

type fixtureOpts struct {
	maxSync     int
	syncTimeout time.Duration
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gcfg := config.DefaultGovernorConfig()
	gcfg.TempDir = t.TempDir()
	if o.maxSync > 0 {
		gcfg.MaxSyncTasks = o.maxSync
	}
	gov, err := governor.New(gcfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gov.Shutdown(context.Background()) })

	tcfg := config.DefaultTimeoutConfig()
	if o.syncTimeout > 0 {
		tcfg.SyncRecognition = o.syncTimeout
	}

	return &fixture{
		gov:       gov,
		timeouts:  timeout.NewManager(tcfg, logger),
		collector: monitor.NewCollector(config.DefaultMetricsConfig(), logger),
	}
}

func (f *fixture) synthesis(t *testing.T, p provider.Synthesizer, cfg config.SynthesisConfig, opts ...SynthesisOption) *SynthesisService {
	t.Helper()
	logger := zaptest.NewLogger(t)
	segCfg := config.SegmentConfig{Ceiling: 20, SilenceGap: 100 * time.Millisecond}
	pipeline := segment.NewPipeline(segCfg, p, f.gov, logger)
	opts = append([]SynthesisOption{WithSynthesisRecorder(f.collector)}, opts...)
	return NewSynthesisService(cfg, segCfg.Ceiling, p, pipeline, f.gov, f.timeouts, logger, opts...)
}

func (f *fixture) recognition(t *testing.T, p provider.Recognizer, cfg config.RecognitionConfig) *RecognitionService {
	t.Helper()
	return NewRecognitionService(cfg, p, f.gov, f.gov, f.timeouts, f.collector, zaptest.NewLogger(t))
}

type failingArchiver struct{}

func (failingArchiver) Save(context.Context, []byte, string) (string, error) {
	return "", types.NewError(types.ErrStorage, "bucket unavailable")
}

// =============================================================================
// 🗣️ 同步合成
// =============================================================================

func TestSynthesize_ShortTextSingleCall(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider()
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "你好，今天天气不错"})
	require.NoError(t, err)

	assert.False(t, res.Segmented)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "Cherry", res.Voice)
	assert.Equal(t, "Chinese", res.Language)
	assert.Equal(t, "qwen3-tts-flash", res.Model)
	assert.Equal(t, "wav", res.Format)
	assert.Equal(t, res.CharCount, res.TokenUsage)
	assert.InDelta(t, float64(res.CharCount)/10000*0.8, res.EstimatedCost, 1e-9)

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	sent := calls[0].Synthesis
	assert.True(t, strings.HasSuffix(sent.Text, "。"))
	assert.Equal(t, provider.EncodeWAV(mocks.PCMFromText(sent.Text), 24000, 16, 1), res.Audio)

	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
}

func TestSynthesize_LongTextUsesPipeline(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider()
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{
		Text: strings.Repeat("这是一个测试句子。", 10),
	})
	require.NoError(t, err)

	assert.True(t, res.Segmented)
	assert.Equal(t, "wav", res.Format)
	assert.Greater(t, mock.GetCallCount(), 1)

	wf, err := segment.ParseWAVFormat(res.Audio)
	require.NoError(t, err)
	assert.Equal(t, uint32(24000), wf.SampleRate)
}

func TestSynthesize_EnglishDetected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider()
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "Good morning everyone", Model: "qwen-tts"})
	require.NoError(t, err)
	assert.Equal(t, "English", res.Language)
	assert.Equal(t, int(float64(res.CharCount)*1.5), res.TokenUsage)
}

func TestSynthesize_Validation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider()
	cfg := config.DefaultSynthesisConfig()
	cfg.MaxInputLength = 50
	svc := f.synthesis(t, mock, cfg)

	tests := []struct {
		name string
		req  *SynthesisRequest
		code types.ErrorCode
	}{
		{"nil request", nil, types.ErrInvalidRequest},
		{"empty text", &SynthesisRequest{}, types.ErrInvalidRequest},
		{"too long", &SynthesisRequest{Text: strings.Repeat("长", 51)}, types.ErrInvalidRequest},
		{"punctuation only", &SynthesisRequest{Text: "!!!!!!"}, types.ErrTextNotSuitable},
		{"unknown voice", &SynthesisRequest{Text: "你好世界", Voice: "Nobody"}, types.ErrInvalidRequest},
		{"voice lacks language", &SynthesisRequest{Text: "こんにちは", Voice: "Serena", Language: "Japanese"}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Synthesize(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
		})
	}
	assert.Zero(t, mock.GetCallCount())
}

func TestSynthesize_ProviderErrorRecorded(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewErrorProvider(errors.New("upstream 503"))
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	_, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "你好世界"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderError))

	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.ErrorCounts[string(types.ErrProviderError)])
}

func TestSynthesize_Timeout(t *testing.T) {
	f := newFixture(t, fixtureOpts{syncTimeout: 50 * time.Millisecond})
	mock := mocks.NewMockProvider().WithDelay(2 * time.Second)
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	start := time.Now()
	_, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "你好世界"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSynthesize_TimeoutWhileProviderIgnoresCancellation(t *testing.T) {
	f := newFixture(t, fixtureOpts{syncTimeout: 30 * time.Millisecond})
	finished := make(chan struct{})
	mock := mocks.NewMockProvider().WithSynthesizeFunc(func(ctx context.Context, req *provider.SynthesisRequest) (*provider.SynthesisResult, error) {
		defer close(finished)
		time.Sleep(60 * time.Millisecond)
		return &provider.SynthesisResult{Audio: provider.EncodeWAV(mocks.PCMFromText(req.Text), 24000, 16, 1)}, nil
	})
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "你好世界"})
	assert.Nil(t, res)
	assert.True(t, types.IsCode(err, types.ErrTimeout))

	// 迟到的结果在超时返回之后才产生
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("provider call never finished")
	}
	assert.Equal(t, int64(1), f.collector.Snapshot().ErrorCounts[string(types.ErrTimeout)])
}

func TestSynthesize_CapacityExceeded(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxSync: 1})
	release := make(chan struct{})
	mock := mocks.NewMockProvider().WithSynthesizeFunc(func(ctx context.Context, req *provider.SynthesisRequest) (*provider.SynthesisResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &provider.SynthesisResult{Audio: provider.EncodeWAV(mocks.PCMFromText(req.Text), 24000, 16, 1)}, nil
	})
	svc := f.synthesis(t, mock, config.DefaultSynthesisConfig())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "第一个请求"})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.gov.Usage().ActiveSync == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "第二个请求"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCapacityExceeded))

	close(release)
	require.NoError(t, <-done)
}

func TestSynthesize_SavesToArchive(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	store, err := storage.New(context.Background(), config.StorageConfig{Backend: "local", LocalDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	archive := storage.NewAudioArchive(store, "tts", zaptest.NewLogger(t))

	svc := f.synthesis(t, mocks.NewMockProvider(), config.DefaultSynthesisConfig(), WithArchive(archive))

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "保存这段语音", Save: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.StorageKey)
	assert.True(t, strings.HasPrefix(res.StorageKey, "tts/"))

	stored, err := store.Get(context.Background(), res.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, res.Audio, stored)
}

func TestSynthesize_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cfg := config.DefaultSynthesisConfig()
	cfg.SaveAudio = true
	svc := f.synthesis(t, mocks.NewMockProvider(), cfg, WithArchive(failingArchiver{}))

	res, err := svc.Synthesize(context.Background(), &SynthesisRequest{Text: "归档失败也要返回"})
	require.NoError(t, err)
	assert.Empty(t, res.StorageKey)
	assert.NotEmpty(t, res.Audio)
}

func TestSynthesizeForCharacter(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider()
	cfg := config.DefaultSynthesisConfig()
	cfg.CharacterVoices = map[string]string{"hermione": "Ethan"}
	svc := f.synthesis(t, mock, cfg)

	res, err := svc.SynthesizeForCharacter(context.Background(), "欢迎来到霍格沃茨", "hermione", "")
	require.NoError(t, err)
	assert.Equal(t, "Ethan", res.Voice)
	assert.Equal(t, "Cherry", svc.VoiceForCharacter("unknown"))

	_, err = svc.SynthesizeForCharacter(context.Background(), "嗯", "hermione", "")
	assert.True(t, types.IsCode(err, types.ErrTextNotSuitable))

	_, err = svc.SynthesizeForCharacter(context.Background(), strings.Repeat("长", 601), "hermione", "")
	assert.True(t, types.IsCode(err, types.ErrTextNotSuitable))
	assert.Equal(t, 1, mock.GetCallCount())
}

func TestVoiceCatalogue(t *testing.T) {
	all := Voices()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}

	assert.True(t, VoiceSupports("Cherry", "Japanese"))
	assert.True(t, VoiceSupports("Serena", "English"))
	assert.False(t, VoiceSupports("Serena", "Japanese"))
	assert.False(t, VoiceSupports("Chelsie", "Korean"))
	assert.False(t, VoiceSupports("Nobody", "Chinese"))
}

// =============================================================================
// 👂 同步识别
// =============================================================================

func wavOfSeconds(sec int) []byte {
	return fixtures.WAV(time.Duration(sec)*time.Second, 16000)
}

func TestRecognize_WAV(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	mock := mocks.NewMockProvider().WithTranscript("你好")
	svc := f.recognition(t, mock, config.DefaultRecognitionConfig())

	audio := wavOfSeconds(1)
	res, err := svc.Recognize(context.Background(), &RecognitionRequest{Audio: audio, Filename: "hello.wav", SampleRate: 16000})
	require.NoError(t, err)

	assert.Equal(t, "你好", res.Text)
	assert.Equal(t, "wav", res.Format)
	assert.Equal(t, "paraformer-realtime-v2", res.Model)
	assert.Equal(t, int64(len(audio)), res.Size)
	// 估算包含 44 字节 WAV 头
	assert.InDelta(t, float64(time.Second), float64(res.Duration), float64(5*time.Millisecond))

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, audio, calls[0].Recognition.Audio)
	assert.Empty(t, calls[0].Recognition.AudioFile)

	snap := f.collector.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	assert.Equal(t, int64(len(audio)), snap.TotalFileSize)
}

func TestRecognize_LargeAudioSpooledToTempFile(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cfg := config.DefaultRecognitionConfig()
	cfg.SpoolThresholdBytes = 1024

	audio := wavOfSeconds(1)
	var spooled string
	mock := mocks.NewMockProvider().WithRecognizeFunc(func(ctx context.Context, req *provider.RecognitionRequest) (*provider.RecognitionResult, error) {
		spooled = req.AudioFile
		if req.Audio != nil {
			return nil, errors.New("expected file reference")
		}
		b, err := os.ReadFile(req.AudioFile)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(b, audio) {
			return nil, errors.New("spooled content mismatch")
		}
		return &provider.RecognitionResult{Text: "ok", Duration: 1500 * time.Millisecond}, nil
	})
	svc := f.recognition(t, mock, cfg)

	res, err := svc.Recognize(context.Background(), &RecognitionRequest{Audio: audio, Format: "WAV"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 1500*time.Millisecond, res.Duration)

	require.NotEmpty(t, spooled)
	assert.True(t, strings.HasSuffix(spooled, ".wav"))
	_, statErr := os.Stat(spooled)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecognize_ProviderErrorWrapped(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	svc := f.recognition(t, mocks.NewErrorProvider(errors.New("asr down")), config.DefaultRecognitionConfig())

	_, err := svc.Recognize(context.Background(), &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrProviderError))
	assert.Equal(t, int64(1), f.collector.Snapshot().FailedRequests)
}

func TestRecognize_TimeoutWhileProviderIgnoresCancellation(t *testing.T) {
	f := newFixture(t, fixtureOpts{syncTimeout: 30 * time.Millisecond})
	finished := make(chan struct{})
	mock := mocks.NewMockProvider().WithRecognizeFunc(func(ctx context.Context, req *provider.RecognitionRequest) (*provider.RecognitionResult, error) {
		defer close(finished)
		time.Sleep(60 * time.Millisecond)
		return &provider.RecognitionResult{Text: "too late"}, nil
	})
	svc := f.recognition(t, mock, config.DefaultRecognitionConfig())

	res, err := svc.Recognize(context.Background(), &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav"})
	assert.Nil(t, res)
	assert.True(t, types.IsCode(err, types.ErrTimeout))

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("provider call never finished")
	}
}

func TestRecognizeAsync(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	svc := f.recognition(t, mocks.NewMockProvider().WithTranscript("async"), config.DefaultRecognitionConfig())

	fut := svc.RecognizeAsync(context.Background(), &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "async", res.Text)

	bad := svc.RecognizeAsync(context.Background(), &RecognitionRequest{})
	_, err = bad.Wait(ctx)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestValidate(t *testing.T) {
	cfg := config.DefaultRecognitionConfig()
	cfg.MaxFileSizeMB = 1
	cfg.MaxDuration = 2 * time.Second
	svc := NewRecognitionService(cfg, mocks.NewMockProvider(), nil, nil, nil, nil, zaptest.NewLogger(t))

	mp3 := fixtures.MP3(16000)
	id3 := fixtures.ID3MP3(103)
	ogg := fixtures.Ogg(104)

	tests := []struct {
		name     string
		req      *RecognitionRequest
		wantErr  bool
		format   string
		estimate time.Duration
	}{
		{name: "nil", req: nil, wantErr: true},
		{name: "empty", req: &RecognitionRequest{Format: "wav"}, wantErr: true},
		{name: "too large", req: &RecognitionRequest{Audio: make([]byte, 1<<20+1), Format: "pcm"}, wantErr: true},
		{name: "unsupported format", req: &RecognitionRequest{Audio: []byte("fLaC...."), Format: "flac"}, wantErr: true},
		{name: "no format", req: &RecognitionRequest{Audio: []byte("data")}, wantErr: true},
		{name: "sample rate low", req: &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav", SampleRate: 4000}, wantErr: true},
		{name: "sample rate high", req: &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav", SampleRate: 96000}, wantErr: true},
		{name: "blank model", req: &RecognitionRequest{Audio: wavOfSeconds(1), Format: "wav", Model: "  "}, wantErr: true},
		{name: "bad wav header", req: &RecognitionRequest{Audio: []byte("not really a wav file"), Format: "wav"}, wantErr: true},
		{name: "bad mp3 header", req: &RecognitionRequest{Audio: []byte{0x00, 0x01, 0x02}, Format: "mp3"}, wantErr: true},
		{name: "too long", req: &RecognitionRequest{Audio: make([]byte, 16000*2*3), Format: "pcm", SampleRate: 16000}, wantErr: true},
		{name: "wav ok", req: &RecognitionRequest{Audio: wavOfSeconds(1), Filename: "a.wav"}, format: "wav", estimate: time.Second},
		{name: "mp3 from filename", req: &RecognitionRequest{Audio: mp3, Filename: "clip.MP3"}, format: "mp3", estimate: time.Second},
		{name: "id3 tagged mp3", req: &RecognitionRequest{Audio: id3, Format: "mp3"}, format: "mp3", estimate: 103 * time.Second / 16000},
		{name: "opus", req: &RecognitionRequest{Audio: ogg, Format: "opus"}, format: "opus", estimate: 104 * time.Second / 32000},
		{name: "pcm rate aware", req: &RecognitionRequest{Audio: make([]byte, 8000*2), Format: "pcm", SampleRate: 8000}, format: "pcm", estimate: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, estimate, err := svc.Validate(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
			assert.InDelta(t, float64(tt.estimate), float64(estimate), float64(5*time.Millisecond))
		})
	}
}
