// =============================================================================
// 📦 语音核心默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Governor:    DefaultGovernorConfig(),
		Timeouts:    DefaultTimeoutConfig(),
		Segment:     DefaultSegmentConfig(),
		Streaming:   DefaultStreamingConfig(),
		Metrics:     DefaultMetricsConfig(),
		Alerting:    DefaultAlertingConfig(),
		Synthesis:   DefaultSynthesisConfig(),
		Recognition: DefaultRecognitionConfig(),
		Storage:     DefaultStorageConfig(),
		Provider:    DefaultProviderConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultGovernorConfig 返回默认资源管控配置
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		SyncCoreWorkers:      5,
		SyncMaxWorkers:       20,
		SyncQueueSize:        100,
		MaxSyncTasks:         10,
		AsyncCoreWorkers:     5,
		AsyncMaxWorkers:      20,
		AsyncQueueSize:       100,
		MaxAsyncTasks:        20,
		MaxStreamingSessions: 50,
		WorkerIdleTimeout:    60 * time.Second,
		TempRetention:        time.Hour,
		CleanupInterval:      5 * time.Minute,
		ShutdownGrace:        10 * time.Second,
	}
}

// DefaultTimeoutConfig 返回默认截止时间
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		SyncRecognition:  60 * time.Second,
		AsyncRecognition: 300 * time.Second,
		StreamingSession: 300 * time.Second,
		Connect:          30 * time.Second,
		Read:             60 * time.Second,
	}
}

// DefaultSegmentConfig 返回默认分段配置
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		Ceiling:    580,
		SilenceGap: 300 * time.Millisecond,
	}
}

// DefaultStreamingConfig 返回默认流式配置
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		EventBuffer:   64,
		InboxBuffer:   256,
		SampleRate:    24000,
		BitsPerSample: 16,
		Channels:      1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:              true,
		CaptureInterval:      60 * time.Second,
		HistoryRetention:     24 * time.Hour,
		RecentSamples:        1000,
		RecentWindow:         5 * time.Minute,
		SlowRequestThreshold: 5 * time.Second,
		Namespace:            "speech",
	}
}

// DefaultAlertingConfig 返回默认告警配置
func DefaultAlertingConfig() AlertingConfig {
	return AlertingConfig{
		Enabled:                     true,
		FailureRateThreshold:        10.0,
		LatencyThreshold:            10 * time.Second,
		MemoryUsageThreshold:        80.0,
		ConcurrentRequestsThreshold: 80,
		CheckInterval:               5 * time.Minute,
		Cooldown:                    15 * time.Minute,
		HistorySize:                 1000,
		RedisKey:                    "speech:alerts",
	}
}

// DefaultSynthesisConfig 返回默认合成配置
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		DefaultModel:     "qwen3-tts-flash",
		DefaultVoice:     "Cherry",
		DefaultLanguage:  "Chinese",
		MaxTextLength:    600,
		MaxInputLength:   20000,
		SampleRate:       24000,
		PricePer10KChars: 0.8,
		CharacterVoices:  map[string]string{},
	}
}

// DefaultRecognitionConfig 返回默认识别配置
func DefaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		DefaultModel:        "paraformer-realtime-v2",
		MaxFileSizeMB:       50,
		MaxDuration:         300 * time.Second,
		AllowedFormats:      []string{"wav", "mp3", "pcm", "opus", "speex", "aac", "amr"},
		MinSampleRate:       8000,
		MaxSampleRate:       48000,
		SpoolThresholdBytes: 1 << 20,
	}
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:  "local",
		LocalDir: "./audio_files",
		Prefix:   "tts",
	}
}

// DefaultProviderConfig 返回默认 provider 配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:     "openai",
		BaseURL:  "https://api.openai.com",
		TTSModel: "tts-1",
		STTModel: "whisper-1",
		Timeout:  60 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		Name:            "speechd.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "speechd",
		SampleRate:   0.1,
	}
}
