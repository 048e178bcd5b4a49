package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// =============================================================================
// 🧠 进程内存探针
// =============================================================================

// ProcessMemoryProbe 基于 gopsutil 读取当前进程 RSS 与占系统内存的百分比
func ProcessMemoryProbe() MemoryProbe {
	pid := int32(os.Getpid())
	return func(ctx context.Context) (MemoryUsage, error) {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return MemoryUsage{}, fmt.Errorf("open process %d: %w", pid, err)
		}
		pct, err := proc.MemoryPercentWithContext(ctx)
		if err != nil {
			return MemoryUsage{}, fmt.Errorf("read memory percent: %w", err)
		}
		usage := MemoryUsage{Percent: float64(pct)}
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			usage.UsedBytes = info.RSS
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			usage.TotalBytes = vm.Total
		}
		return usage, nil
	}
}

// =============================================================================
// 📝 日志监听器
// =============================================================================

// LogListener 把告警记录写入结构化日志
type LogListener struct {
	logger *zap.Logger
}

// NewLogListener 创建日志监听器
func NewLogListener(logger *zap.Logger) *LogListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogListener{logger: logger.With(zap.String("listener", "log"))}
}

// OnAlert 触发记录按级别输出，解除记录走 Info
func (l *LogListener) OnAlert(_ context.Context, rec Record) error {
	fields := []zap.Field{
		zap.String("alert_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("level", string(rec.Level)),
		zap.String("message", rec.Message),
		zap.Bool("active", rec.Active),
		zap.Time("timestamp", rec.Timestamp),
	}
	switch {
	case !rec.Active:
		l.logger.Info("speech alert cleared", fields...)
	case rec.Level == LevelCritical:
		l.logger.Error("speech alert", fields...)
	default:
		l.logger.Warn("speech alert", fields...)
	}
	return nil
}

// =============================================================================
// 💾 Redis 监听器
// =============================================================================

// ListPusher 有界列表写入，cache.Manager 满足此接口
type ListPusher interface {
	PushCapped(ctx context.Context, key string, value []byte, max int64) error
}

// RedisListener 把告警记录以 JSON 头插进 Redis 列表，并裁剪到 max 条
type RedisListener struct {
	store ListPusher
	key   string
	max   int64
}

// NewRedisListener 创建 Redis 监听器
func NewRedisListener(store ListPusher, key string, max int) *RedisListener {
	if key == "" {
		key = "speech:alerts"
	}
	return &RedisListener{store: store, key: key, max: int64(max)}
}

// OnAlert 序列化并写入
func (l *RedisListener) OnAlert(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert record: %w", err)
	}
	if err := l.store.PushCapped(ctx, l.key, data, l.max); err != nil {
		return fmt.Errorf("persist alert record: %w", err)
	}
	return nil
}
