package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/cache"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/database"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/metrics"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/server"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/telemetry"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/alerting"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/segment"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/service"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/session"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/storage"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/timeout"
)

// SpeechProvider 同时支持合成与识别的上游
type SpeechProvider interface {
	provider.Synthesizer
	provider.Recognizer
}

// newProvider 按配置名称创建上游 provider
func newProvider(cfg config.ProviderConfig, logger *zap.Logger) (SpeechProvider, error) {
	switch cfg.Name {
	case "", "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			TTSModel: cfg.TTSModel,
			STTModel: cfg.STTModel,
			Timeout:  cfg.Timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported speech provider: %s", cfg.Name)
	}
}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装语音核心的全部组件并托管运维 HTTP 服务
type Server struct {
	cfg     *config.Config
	version string
	logger  *zap.Logger

	telemetry *telemetry.Providers
	metrics   *metrics.Collector
	provider  SpeechProvider

	governor *governor.Governor
	timeouts *timeout.Manager
	monitor  *monitor.Collector
	alerts   *alerting.Engine
	db       *database.PoolManager
	cache    *cache.Manager

	Synthesis           *service.SynthesisService
	Recognition         *service.RecognitionService
	SynthesisSessions   *session.SynthesisManager
	RecognitionSessions *session.RecognitionManager

	ops         *OpsHandler
	httpManager *server.Manager

	cancel context.CancelFunc
}

// ServerOption 服务器选项
type ServerOption func(*Server)

// WithProvider 替换上游 provider，测试中注入 mock
func WithProvider(p SpeechProvider) ServerOption {
	return func(s *Server) { s.provider = p }
}

// WithTelemetry 由 Server 负责关闭遥测 provider
func WithTelemetry(p *telemetry.Providers) ServerOption {
	return func(s *Server) { s.telemetry = p }
}

// WithMetrics 复用已有的 Prometheus 收集器
func WithMetrics(m *metrics.Collector) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer 按配置组装全部组件，不启动后台任务
func NewServer(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{cfg: cfg, version: version, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.build(ctx); err != nil {
		s.closeStores()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	if s.metrics == nil {
		s.metrics = metrics.NewCollector(cfg.Metrics.Namespace, s.logger)
	}
	if s.provider == nil {
		p, err := newProvider(cfg.Provider, s.logger)
		if err != nil {
			return err
		}
		s.provider = p
	}

	gov, err := governor.New(cfg.Governor, s.logger, governor.WithRejectionRecorder(s.metrics))
	if err != nil {
		return fmt.Errorf("create governor: %w", err)
	}
	s.governor = gov
	s.timeouts = timeout.NewManager(cfg.Timeouts, s.logger)

	monitorOpts := []monitor.Option{monitor.WithObserver(s.metrics)}
	if cfg.Telemetry.Enabled {
		instruments, err := telemetry.NewInstruments(nil)
		if err != nil {
			s.logger.Warn("otel instruments unavailable", zap.Error(err))
		} else {
			monitorOpts = append(monitorOpts, monitor.WithObserver(instruments))
		}
	}
	if cfg.Metrics.PersistSnapshots {
		db, err := database.Open(cfg.Database, s.logger, database.WithStatsReporter(s.metrics))
		if err != nil {
			// 快照持久化是旁路能力，失败时降级为仅内存
			s.logger.Warn("snapshot database unavailable, persistence disabled", zap.Error(err))
		} else {
			store := monitor.NewSnapshotStore(db.DB())
			if err := store.AutoMigrate(ctx); err != nil {
				s.logger.Warn("snapshot table migration failed, persistence disabled", zap.Error(err))
				_ = db.Close()
			} else {
				s.db = db
				monitorOpts = append(monitorOpts, monitor.WithSink(store))
			}
		}
	}
	s.monitor = monitor.NewCollector(cfg.Metrics, s.logger, monitorOpts...)

	pipeline := segment.NewPipeline(cfg.Segment, s.provider, s.governor, s.logger,
		segment.WithSegmentRecorder(s.metrics))

	synthOpts := []service.SynthesisOption{service.WithSynthesisRecorder(s.monitor)}
	if store, err := storage.New(ctx, cfg.Storage, s.logger); err != nil {
		s.logger.Warn("audio storage unavailable, archiving disabled", zap.Error(err))
	} else {
		synthOpts = append(synthOpts, service.WithArchive(storage.NewAudioArchive(store, cfg.Storage.Prefix, s.logger)))
	}
	s.Synthesis = service.NewSynthesisService(cfg.Synthesis, cfg.Segment.Ceiling, s.provider, pipeline,
		s.governor, s.timeouts, s.logger, synthOpts...)
	s.Recognition = service.NewRecognitionService(cfg.Recognition, s.provider, s.governor, s.governor,
		s.timeouts, s.monitor, s.logger)

	sessionOpts := []session.Option{session.WithRecorder(s.monitor), session.WithSessionGauge(s.metrics)}
	s.SynthesisSessions = session.NewSynthesisManager(s.provider, s.governor, s.timeouts,
		cfg.Streaming, cfg.Segment, s.logger, sessionOpts...)
	s.RecognitionSessions = session.NewRecognitionManager(s.provider, s.governor, s.timeouts,
		cfg.Streaming, s.logger, sessionOpts...)

	var alertSource AlertSource
	if cfg.Alerting.Enabled {
		s.alerts = alerting.NewEngine(cfg.Alerting, s.monitor, s.logger, alerting.WithRecorder(s.metrics))
		s.alerts.AddListener(alerting.NewLogListener(s.logger))
		if cfg.Alerting.RedisHistory {
			cm, err := cache.NewManager(cfg.Redis, s.logger)
			if err != nil {
				s.logger.Warn("redis unavailable, alert history stays in memory", zap.Error(err))
			} else {
				s.cache = cm
				s.alerts.AddListener(alerting.NewRedisListener(cm, cfg.Alerting.RedisKey, cfg.Alerting.HistorySize))
			}
		}
		alertSource = s.alerts
	}

	s.ops = NewOpsHandler(s.monitor, alertSource, s.governor, map[string]SessionCounter{
		string(session.KindSynthesis):   s.SynthesisSessions,
		string(session.KindRecognition): s.RecognitionSessions,
	}, s.version, s.logger)
	if s.db != nil {
		s.ops.RegisterCheck("database", s.db.Ping)
	}
	if s.cache != nil {
		s.ops.RegisterCheck("redis", s.cache.Ping)
	}
	return nil
}

// Handler 运维路由与中间件链
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.ops.Register(mux)
	mux.Handle("GET "+pathMetrics, promhttp.Handler())

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		MetricsMiddleware(s.metrics),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动后台任务与 HTTP 服务（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.governor.Start(ctx)
	if s.cfg.Metrics.Enabled {
		s.monitor.Start(ctx)
	}
	if s.alerts != nil {
		s.alerts.Start(ctx)
	}

	s.httpManager = server.NewManager(s.Handler(ctx), server.ConfigFrom(s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	s.logger.Info("speechd started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Bool("alerting", s.alerts != nil),
		zap.Bool("snapshot_persistence", s.db != nil))
	return nil
}

// Addr HTTP 实际监听地址
func (s *Server) Addr() string {
	if s.httpManager == nil {
		return ""
	}
	return s.httpManager.Addr()
}

// WaitForShutdown 阻塞到收到信号或 ctx 结束，然后按依赖逆序关闭
func (s *Server) WaitForShutdown(ctx context.Context) {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(ctx)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		s.logger.Error("shutdown completed with errors", zap.Error(err))
	}
}

// Shutdown 关闭 HTTP → 会话 → 后台循环 → 治理器 → 存储连接 → 遥测
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")
	grace := s.cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var errs []error
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := s.SynthesisSessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("synthesis sessions: %w", err))
	}
	if err := s.RecognitionSessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recognition sessions: %w", err))
	}
	if s.alerts != nil {
		s.alerts.Stop()
	}
	s.monitor.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.governor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("governor: %w", err))
	}
	s.closeStores()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	s.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

func (s *Server) closeStores() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
}
