// Package storage 持久化合成出的最终音频。
//
// FileStore 抽象了存储后端（本地磁盘或兼容 S3 的对象存储），AudioArchive
// 在其之上按 <prefix>/<yyyyMMdd>/<uuid>.<ext> 的键格式归档音频。
// 对不存在的键，所有实现返回包装 os.ErrNotExist 的错误。
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// FileStore 字节粒度的对象存储，实现必须并发安全
type FileStore interface {
	// Put 写入对象，已存在则覆盖
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get 读取对象；不存在时返回包装 os.ErrNotExist 的错误
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete 删除对象，不存在时返回 nil
	Delete(ctx context.Context, key string) error
	// Exists 报告对象是否存在
	Exists(ctx context.Context, key string) (bool, error)
}

// New 按配置创建存储后端
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		store, err := NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("storage: local backend: %w", err)
		}
		logger.Info("audio storage ready", zap.String("backend", "local"), zap.String("dir", store.Root()))
		return store, nil
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("audio storage ready",
			zap.String("backend", "s3"),
			zap.String("bucket", cfg.Bucket),
			zap.String("endpoint", cfg.Endpoint))
		return NewS3(client, cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// AudioKey 生成 <prefix>/<yyyyMMdd>/<uuid>.<ext> 形式的对象键
func AudioKey(prefix string, now time.Time, ext string) string {
	if ext == "" {
		ext = "wav"
	}
	name := now.Format("20060102") + "/" + uuid.NewString() + "." + strings.TrimPrefix(ext, ".")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// =============================================================================
// 🎯 音频归档
// =============================================================================

// AudioArchive 将最终合成音频写入 FileStore
type AudioArchive struct {
	store  FileStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewAudioArchive 创建归档器，prefix 为空时使用 "tts"
func NewAudioArchive(store FileStore, prefix string, logger *zap.Logger) *AudioArchive {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "tts"
	}
	return &AudioArchive{
		store:  store,
		prefix: prefix,
		now:    time.Now,
		logger: logger.With(zap.String("component", "audio_archive")),
	}
}

// WithClock 替换时钟（测试用）
func (a *AudioArchive) WithClock(now func() time.Time) *AudioArchive {
	a.now = now
	return a
}

// Save 归档音频并返回对象键
func (a *AudioArchive) Save(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", types.NewError(types.ErrInvalidRequest, "no audio to store")
	}
	if format == "" {
		format = "wav"
	}
	key := AudioKey(a.prefix, a.now(), format)
	if err := a.store.Put(ctx, key, audio, contentType(format)); err != nil {
		a.logger.Error("failed to store audio", zap.String("key", key), zap.Error(err))
		return "", types.NewError(types.ErrStorage, "failed to store audio").WithCause(err)
	}
	a.logger.Debug("audio stored", zap.String("key", key), zap.Int("bytes", len(audio)))
	return key, nil
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "pcm":
		return "audio/pcm"
	case "opus":
		return "audio/opus"
	default:
		return "application/octet-stream"
	}
}
