// Package cache provides internal Redis access.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 管理器
// =============================================================================

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("cache manager is closed")

// Manager Redis 管理器，为告警历史等有界列表提供读写
type Manager struct {
	redis  *redis.Client
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option 管理器选项
type Option func(*options)

type options struct {
	healthCheckInterval time.Duration
	dialTimeout         time.Duration
}

// WithHealthCheckInterval 设置健康检查间隔，<=0 关闭
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *options) { o.healthCheckInterval = d }
}

// NewManager 创建 Redis 管理器，启动前先 Ping 一次
func NewManager(cfg config.RedisConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{healthCheckInterval: 30 * time.Second, dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	redisOpts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		redisOpts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), o.dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
	}
	if o.healthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop(o.healthCheckInterval)
	}

	m.logger.Info("redis manager initialized",
		zap.String("addr", cfg.Addr),
		zap.Bool("tls", cfg.TLS),
		zap.Int("pool_size", cfg.PoolSize))
	return m, nil
}

// =============================================================================
// 🎯 有界列表
// =============================================================================

// PushCapped 头插一条记录并把列表裁剪到 max 条
func (m *Manager) PushCapped(ctx context.Context, key string, value []byte, max int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	pipe := m.redis.TxPipeline()
	pipe.LPush(ctx, key, value)
	if max > 0 {
		pipe.LTrim(ctx, key, 0, max-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("redis push failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis push failed: %w", err)
	}
	return nil
}

// Range 按 LRANGE 语义读取列表，最新的在前
func (m *Manager) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	vals, err := m.redis.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range failed: %w", err)
	}
	return vals, nil
}

// Len 列表长度
func (m *Manager) Len(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.redis.LLen(ctx, key).Result()
}

// Delete 删除键
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭管理器，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("closing redis manager")
	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// =============================================================================
// 📊 连接池统计
// =============================================================================

// Stats 连接池统计
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// GetStats 返回连接池统计
func (m *Manager) GetStats() Stats {
	ps := m.redis.PoolStats()
	return Stats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
		StaleConns: ps.StaleConns,
	}
}
