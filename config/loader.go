// =============================================================================
// 📦 语音核心配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("speechd.yaml").
//	    WithEnvPrefix("SPEECH").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是语音核心的完整配置结构
type Config struct {
	// Server 运维 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Governor 资源管控配置
	Governor GovernorConfig `yaml:"governor" env:"GOVERNOR"`

	// Timeouts 各操作类别的截止时间
	Timeouts TimeoutConfig `yaml:"timeouts" env:"TIMEOUTS"`

	// Segment 长文本分段配置
	Segment SegmentConfig `yaml:"segment" env:"SEGMENT"`

	// Streaming 流式会话配置
	Streaming StreamingConfig `yaml:"streaming" env:"STREAMING"`

	// Metrics 指标采集配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Alerting 告警配置
	Alerting AlertingConfig `yaml:"alerting" env:"ALERTING"`

	// Synthesis 同步合成配置
	Synthesis SynthesisConfig `yaml:"synthesis" env:"SYNTHESIS"`

	// Recognition 同步识别配置
	Recognition RecognitionConfig `yaml:"recognition" env:"RECOGNITION"`

	// Storage 音频持久化配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Provider 上游语音服务配置
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Redis 告警历史存储
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 指标快照存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 运维服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// TLS 证书文件，与私钥同时设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS 私钥文件
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// GovernorConfig 资源管控配置
type GovernorConfig struct {
	// 同步池核心协程数
	SyncCoreWorkers int `yaml:"sync_core_workers" env:"SYNC_CORE_WORKERS"`
	// 同步池最大协程数
	SyncMaxWorkers int `yaml:"sync_max_workers" env:"SYNC_MAX_WORKERS"`
	// 同步池队列容量
	SyncQueueSize int `yaml:"sync_queue_size" env:"SYNC_QUEUE_SIZE"`
	// 同步任务准入上限
	MaxSyncTasks int `yaml:"max_sync_tasks" env:"MAX_SYNC_TASKS"`
	// 异步池核心协程数
	AsyncCoreWorkers int `yaml:"async_core_workers" env:"ASYNC_CORE_WORKERS"`
	// 异步池最大协程数
	AsyncMaxWorkers int `yaml:"async_max_workers" env:"ASYNC_MAX_WORKERS"`
	// 异步池队列容量
	AsyncQueueSize int `yaml:"async_queue_size" env:"ASYNC_QUEUE_SIZE"`
	// 异步任务准入上限
	MaxAsyncTasks int `yaml:"max_async_tasks" env:"MAX_ASYNC_TASKS"`
	// 流式会话上限
	MaxStreamingSessions int `yaml:"max_streaming_sessions" env:"MAX_STREAMING_SESSIONS"`
	// 非核心协程空闲回收时间
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" env:"WORKER_IDLE_TIMEOUT"`
	// 临时文件目录（为空则使用系统临时目录下的 speech-recognition）
	TempDir string `yaml:"temp_dir" env:"TEMP_DIR"`
	// 临时文件保留时长
	TempRetention time.Duration `yaml:"temp_retention" env:"TEMP_RETENTION"`
	// 临时文件清理间隔
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 关闭宽限期
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// TimeoutConfig 操作类别截止时间
type TimeoutConfig struct {
	SyncRecognition  time.Duration `yaml:"sync_recognition" env:"SYNC_RECOGNITION"`
	AsyncRecognition time.Duration `yaml:"async_recognition" env:"ASYNC_RECOGNITION"`
	StreamingSession time.Duration `yaml:"streaming_session" env:"STREAMING_SESSION"`
	Connect          time.Duration `yaml:"connect" env:"CONNECT"`
	Read             time.Duration `yaml:"read" env:"READ"`
}

// SegmentConfig 分段合成配置
type SegmentConfig struct {
	// 单次请求字符上限（按 rune 计）
	Ceiling int `yaml:"ceiling" env:"CEILING"`
	// 段落之间插入的静音时长
	SilenceGap time.Duration `yaml:"silence_gap" env:"SILENCE_GAP"`
}

// StreamingConfig 流式会话配置
type StreamingConfig struct {
	// 事件输出缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
	// provider 回调收件箱缓冲
	InboxBuffer int `yaml:"inbox_buffer" env:"INBOX_BUFFER"`
	// 流式合成音频采样率
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 位深
	BitsPerSample int `yaml:"bits_per_sample" env:"BITS_PER_SAMPLE"`
	// 声道数
	Channels int `yaml:"channels" env:"CHANNELS"`
}

// MetricsConfig 指标采集配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 快照采集间隔
	CaptureInterval time.Duration `yaml:"capture_interval" env:"CAPTURE_INTERVAL"`
	// 历史快照保留时长
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION"`
	// 最近样本环大小
	RecentSamples int `yaml:"recent_samples" env:"RECENT_SAMPLES"`
	// 滚动窗口
	RecentWindow time.Duration `yaml:"recent_window" env:"RECENT_WINDOW"`
	// 慢请求阈值
	SlowRequestThreshold time.Duration `yaml:"slow_request_threshold" env:"SLOW_REQUEST_THRESHOLD"`
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 是否持久化快照到数据库
	PersistSnapshots bool `yaml:"persist_snapshots" env:"PERSIST_SNAPSHOTS"`
}

// AlertingConfig 告警配置
type AlertingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 失败率阈值（百分比）
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" env:"FAILURE_RATE_THRESHOLD"`
	// 平均延迟阈值
	LatencyThreshold time.Duration `yaml:"latency_threshold" env:"LATENCY_THRESHOLD"`
	// 内存使用率阈值（百分比）
	MemoryUsageThreshold float64 `yaml:"memory_usage_threshold" env:"MEMORY_USAGE_THRESHOLD"`
	// 并发请求阈值
	ConcurrentRequestsThreshold int `yaml:"concurrent_requests_threshold" env:"CONCURRENT_REQUESTS_THRESHOLD"`
	// 检查间隔
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	// 冷却时间
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// 历史记录上限
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
	// 是否写入 Redis
	RedisHistory bool `yaml:"redis_history" env:"REDIS_HISTORY"`
	// Redis 列表键
	RedisKey string `yaml:"redis_key" env:"REDIS_KEY"`
}

// SynthesisConfig 同步合成配置
type SynthesisConfig struct {
	DefaultModel    string `yaml:"default_model" env:"DEFAULT_MODEL"`
	DefaultVoice    string `yaml:"default_voice" env:"DEFAULT_VOICE"`
	DefaultLanguage string `yaml:"default_language" env:"DEFAULT_LANGUAGE"`
	// 适合合成的文本长度上限（角色播报路径）
	MaxTextLength int `yaml:"max_text_length" env:"MAX_TEXT_LENGTH"`
	// 直接合成请求的输入上限
	MaxInputLength int `yaml:"max_input_length" env:"MAX_INPUT_LENGTH"`
	// 输出采样率
	SampleRate int `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 是否保存合成结果
	SaveAudio bool `yaml:"save_audio" env:"SAVE_AUDIO"`
	// 每万字符价格
	PricePer10KChars float64 `yaml:"price_per_10k_chars" env:"PRICE_PER_10K_CHARS"`
	// 角色 → 音色映射
	CharacterVoices map[string]string `yaml:"character_voices" env:"-"`
}

// RecognitionConfig 同步识别配置
type RecognitionConfig struct {
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// 最大文件大小（MB）
	MaxFileSizeMB int64 `yaml:"max_file_size_mb" env:"MAX_FILE_SIZE_MB"`
	// 最大音频时长
	MaxDuration time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
	// 允许的音频格式
	AllowedFormats []string `yaml:"allowed_formats" env:"ALLOWED_FORMATS"`
	MinSampleRate  int      `yaml:"min_sample_rate" env:"MIN_SAMPLE_RATE"`
	MaxSampleRate  int      `yaml:"max_sample_rate" env:"MAX_SAMPLE_RATE"`
	// 超过该大小的音频先落盘再交给 provider
	SpoolThresholdBytes int64 `yaml:"spool_threshold_bytes" env:"SPOOL_THRESHOLD_BYTES"`
}

// StorageConfig 音频持久化配置
type StorageConfig struct {
	// 后端: local, s3
	Backend string `yaml:"backend" env:"BACKEND"`
	// 本地目录
	LocalDir string `yaml:"local_dir" env:"LOCAL_DIR"`
	// S3 桶
	Bucket string `yaml:"bucket" env:"BUCKET"`
	// 对象键前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// S3 区域
	Region string `yaml:"region" env:"REGION"`
	// 兼容 S3 的自定义端点（MinIO 等）
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// ProviderConfig 上游语音服务配置
type ProviderConfig struct {
	// 名称
	Name string `yaml:"name" env:"NAME"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 合成模型
	TTSModel string `yaml:"tts_model" env:"TTS_MODEL"`
	// 识别模型
	STTModel string `yaml:"stt_model" env:"STT_MODEL"`
	// HTTP 超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SPEECH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	g := c.Governor
	if g.SyncCoreWorkers <= 0 || g.SyncMaxWorkers < g.SyncCoreWorkers {
		errs = append(errs, "sync pool requires 0 < core <= max")
	}
	if g.AsyncCoreWorkers <= 0 || g.AsyncMaxWorkers < g.AsyncCoreWorkers {
		errs = append(errs, "async pool requires 0 < core <= max")
	}
	if g.SyncQueueSize < 0 || g.AsyncQueueSize < 0 {
		errs = append(errs, "queue sizes must not be negative")
	}
	if g.MaxSyncTasks <= 0 || g.MaxAsyncTasks <= 0 || g.MaxStreamingSessions <= 0 {
		errs = append(errs, "admission ceilings must be positive")
	}

	if c.Segment.Ceiling <= 0 {
		errs = append(errs, "segment ceiling must be positive")
	}
	if c.Segment.SilenceGap < 0 {
		errs = append(errs, "silence gap must not be negative")
	}

	if c.Alerting.FailureRateThreshold < 0 || c.Alerting.FailureRateThreshold > 100 {
		errs = append(errs, "failure_rate_threshold must be between 0 and 100")
	}
	if c.Alerting.MemoryUsageThreshold < 0 || c.Alerting.MemoryUsageThreshold > 100 {
		errs = append(errs, "memory_usage_threshold must be between 0 and 100")
	}
	if c.Alerting.Cooldown < 0 {
		errs = append(errs, "alert cooldown must not be negative")
	}

	if c.Recognition.MinSampleRate > c.Recognition.MaxSampleRate {
		errs = append(errs, "recognition min_sample_rate exceeds max_sample_rate")
	}

	switch c.Storage.Backend {
	case "", "local", "s3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported storage backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		errs = append(errs, "s3 storage requires a bucket")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
