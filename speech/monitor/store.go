package monitor

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 快照持久化
// =============================================================================

// SnapshotRecord 快照的数据库行
type SnapshotRecord struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	CapturedAt             time.Time        `gorm:"index;not null" json:"captured_at"`
	TotalRequests          int64            `json:"total_requests"`
	SuccessfulRequests     int64            `json:"successful_requests"`
	FailedRequests         int64            `json:"failed_requests"`
	SuccessRate            float64          `json:"success_rate"`
	AverageLatencyMs       float64          `json:"average_latency_ms"`
	MaxLatencyMs           int64            `json:"max_latency_ms"`
	MinLatencyMs           int64            `json:"min_latency_ms"`
	MaxConcurrent          int64            `json:"max_concurrent"`
	TotalFileSize          int64            `json:"total_file_size"`
	ErrorCounts            map[string]int64 `gorm:"serializer:json" json:"error_counts"`
	RecentSuccessRate      float64          `json:"recent_success_rate"`
	RecentAverageLatencyMs float64          `json:"recent_average_latency_ms"`
	CreatedAt              time.Time        `json:"created_at"`
}

// TableName 表名
func (SnapshotRecord) TableName() string {
	return "speech_performance_snapshots"
}

func recordFromSnapshot(s Snapshot) SnapshotRecord {
	return SnapshotRecord{
		CapturedAt:             s.Timestamp.UTC(),
		TotalRequests:          s.TotalRequests,
		SuccessfulRequests:     s.SuccessfulRequests,
		FailedRequests:         s.FailedRequests,
		SuccessRate:            s.SuccessRate,
		AverageLatencyMs:       s.AverageLatencyMs,
		MaxLatencyMs:           s.MaxLatencyMs,
		MinLatencyMs:           s.MinLatencyMs,
		MaxConcurrent:          s.MaxConcurrent,
		TotalFileSize:          s.TotalFileSize,
		ErrorCounts:            s.ErrorCounts,
		RecentSuccessRate:      s.RecentSuccessRate,
		RecentAverageLatencyMs: s.RecentAverageLatencyMs,
	}
}

// SnapshotStore 基于 GORM 的快照存储，实现 SnapshotSink
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// AutoMigrate 创建或更新表结构
func (s *SnapshotStore) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&SnapshotRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate snapshots: %w", err)
	}
	return nil
}

// SaveSnapshot 写入一条快照
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	rec := recordFromSnapshot(snap)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Since 按时间升序返回 since 之后的快照
func (s *SnapshotStore) Since(ctx context.Context, since time.Time) ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("captured_at >= ?", since.UTC()).
		Order("captured_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return out, nil
}

// PruneBefore 删除 before 之前的快照，返回删除行数
func (s *SnapshotStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("captured_at < ?", before.UTC()).Delete(&SnapshotRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", res.Error)
	}
	return res.RowsAffected, nil
}
