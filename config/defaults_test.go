package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, GovernorConfig{}, cfg.Governor)
	assert.NotEqual(t, TimeoutConfig{}, cfg.Timeouts)
	assert.NotEqual(t, SegmentConfig{}, cfg.Segment)
	assert.NotEqual(t, StreamingConfig{}, cfg.Streaming)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, AlertingConfig{}, cfg.Alerting)
	assert.NotEqual(t, StorageConfig{}, cfg.Storage)
	assert.NotEqual(t, ProviderConfig{}, cfg.Provider)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NoError(t, cfg.Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultGovernorConfig(t *testing.T) {
	cfg := DefaultGovernorConfig()
	assert.Equal(t, 5, cfg.SyncCoreWorkers)
	assert.Equal(t, 20, cfg.SyncMaxWorkers)
	assert.Equal(t, 100, cfg.SyncQueueSize)
	assert.Equal(t, 10, cfg.MaxSyncTasks)
	assert.Equal(t, 20, cfg.MaxAsyncTasks)
	assert.Equal(t, 50, cfg.MaxStreamingSessions)
	assert.Equal(t, time.Hour, cfg.TempRetention)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Empty(t, cfg.TempDir)
}

func TestDefaultTimeoutConfig(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	assert.Equal(t, 60*time.Second, cfg.SyncRecognition)
	assert.Equal(t, 300*time.Second, cfg.AsyncRecognition)
	assert.Equal(t, 300*time.Second, cfg.StreamingSession)
	assert.Equal(t, 30*time.Second, cfg.Connect)
}

func TestDefaultSegmentConfig(t *testing.T) {
	cfg := DefaultSegmentConfig()
	assert.Equal(t, 580, cfg.Ceiling)
	assert.Equal(t, 300*time.Millisecond, cfg.SilenceGap)
}

func TestDefaultStreamingConfig(t *testing.T) {
	cfg := DefaultStreamingConfig()
	// 24kHz / 16bit / mono = 48000 B/s
	assert.Equal(t, 48000, cfg.SampleRate*cfg.BitsPerSample/8*cfg.Channels)
}

func TestDefaultAlertingConfig(t *testing.T) {
	cfg := DefaultAlertingConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 10.0, cfg.FailureRateThreshold)
	assert.Equal(t, 10*time.Second, cfg.LatencyThreshold)
	assert.Equal(t, 80.0, cfg.MemoryUsageThreshold)
	assert.Equal(t, 80, cfg.ConcurrentRequestsThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Cooldown)
	assert.Equal(t, 1000, cfg.HistorySize)
}

func TestDefaultSynthesisConfig(t *testing.T) {
	cfg := DefaultSynthesisConfig()
	assert.Equal(t, "qwen3-tts-flash", cfg.DefaultModel)
	assert.Equal(t, "Cherry", cfg.DefaultVoice)
	assert.Equal(t, 600, cfg.MaxTextLength)
	assert.Greater(t, cfg.MaxInputLength, DefaultSegmentConfig().Ceiling)
	assert.NotNil(t, cfg.CharacterVoices)
}

func TestDefaultRecognitionConfig(t *testing.T) {
	cfg := DefaultRecognitionConfig()
	assert.Equal(t, int64(50), cfg.MaxFileSizeMB)
	assert.Equal(t, 300*time.Second, cfg.MaxDuration)
	assert.Contains(t, cfg.AllowedFormats, "wav")
	assert.Equal(t, 8000, cfg.MinSampleRate)
	assert.Equal(t, 48000, cfg.MaxSampleRate)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "speechd", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}
