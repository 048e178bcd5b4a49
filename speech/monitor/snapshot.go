package monitor

import (
	"context"
	"time"
)

// Snapshot 某一时刻的性能聚合，创建后不再修改。
// 比率字段均为百分比（0-100）。
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	FailureRate        float64 `json:"failure_rate"`

	AverageLatencyMs float64 `json:"average_latency_ms"`
	MaxLatencyMs     int64   `json:"max_latency_ms"`
	MinLatencyMs     int64   `json:"min_latency_ms"`

	CurrentConcurrent int64 `json:"current_concurrent"`
	MaxConcurrent     int64 `json:"max_concurrent"`

	TotalFileSize   int64   `json:"total_file_size"`
	MaxFileSize     int64   `json:"max_file_size"`
	AverageFileSize float64 `json:"average_file_size"`

	ErrorCounts map[string]int64 `json:"error_counts,omitempty"`

	// 最近窗口（默认 5 分钟）内的成功率与平均延迟
	RecentSuccessRate      float64 `json:"recent_success_rate"`
	RecentAverageLatencyMs float64 `json:"recent_average_latency_ms"`
}

// RequestContext 一次被准入的工作单元，RecordStart 创建、RecordComplete 消费。
type RequestContext struct {
	Class     string
	StartTime time.Time
	Size      int64
}

// Observer 接收每次开始与完成的通知，用于向外部指标系统镜像。
type Observer interface {
	ObserveStart(class string, size int64)
	ObserveComplete(class string, latency time.Duration, success bool, errorKind string)
}

// SnapshotSink 持久化定时采集的快照。写入失败只记录日志。
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// sample 最近环中的一条记录
type sample struct {
	at        time.Time
	latencyMs int64
	success   bool
}
