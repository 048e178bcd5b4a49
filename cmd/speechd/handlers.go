package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/internal/ctxkeys"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/alerting"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/governor"
	"github.com/Carolier2003/ai-roleplay-sub001/speech/monitor"
)

const (
	pathHealth   = "/health"
	pathMetrics  = "/metrics"
	pathSnapshot = "/v1/speech/snapshot"
	pathAlerts   = "/v1/speech/alerts"
	pathUsage    = "/v1/speech/usage"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	resp := Response{Success: true, Data: data, Timestamp: time.Now()}
	resp.RequestID, _ = ctxkeys.RequestID(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// =============================================================================
// 🔌 数据源
// =============================================================================

// SnapshotSource 性能快照，*monitor.Collector 实现该接口
type SnapshotSource interface {
	Current() monitor.Snapshot
	History(hours int) []monitor.Snapshot
}

// AlertSource 告警查询，*alerting.Engine 实现该接口
type AlertSource interface {
	ActiveAlerts() []alerting.Record
	History(hours int) []alerting.Record
	Statistics(hours int) alerting.Statistics
}

// UsageSource 资源使用，*governor.Governor 实现该接口
type UsageSource interface {
	Usage() governor.UsageStats
}

// SessionCounter 活跃流式会话数，session 管理器实现该接口
type SessionCounter interface {
	ActiveSessions() int
}

// HealthCheck 依赖探活
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// =============================================================================
// 🩺 运维处理器
// =============================================================================

// OpsHandler 健康检查与语音运行状态查询
type OpsHandler struct {
	snapshots SnapshotSource
	alerts    AlertSource
	usage     UsageSource
	sessions  map[string]SessionCounter
	version   string
	logger    *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewOpsHandler 创建运维处理器，alerts 可为 nil（告警关闭时）
func NewOpsHandler(snapshots SnapshotSource, alerts AlertSource, usage UsageSource, sessions map[string]SessionCounter, version string, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		snapshots: snapshots,
		alerts:    alerts,
		usage:     usage,
		sessions:  sessions,
		version:   version,
		logger:    logger.With(zap.String("component", "ops_handler")),
	}
}

// RegisterCheck 注册一个依赖探活
func (h *OpsHandler) RegisterCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// Register 挂载全部路由
func (h *OpsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+pathHealth, h.HandleHealth)
	mux.HandleFunc("GET "+pathSnapshot, h.HandleSnapshot)
	mux.HandleFunc("GET "+pathAlerts, h.HandleAlerts)
	mux.HandleFunc("GET "+pathUsage, h.HandleUsage)
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Message string `json:"message,omitempty"`
}

// HandleHealth 依次执行已注册的探活，任一失败返回 503
func (h *OpsHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
	}
	if len(checks) > 0 {
		status.Checks = make(map[string]CheckResult, len(checks))
	}

	code := http.StatusOK
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		res := CheckResult{Status: "pass", Latency: time.Since(start).String()}
		if err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			h.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
		}
		status.Checks[c.Name] = res
	}

	writeJSON(w, code, status)
}

// HandleSnapshot 当前快照；带 hours 参数时返回该时间窗内的历史快照
func (h *OpsHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	if hours > 0 {
		writeSuccess(w, r, h.snapshots.History(hours))
		return
	}
	writeSuccess(w, r, h.snapshots.Current())
}

// AlertsView 告警查询结果
type AlertsView struct {
	Active     []alerting.Record   `json:"active"`
	History    []alerting.Record   `json:"history,omitempty"`
	Statistics alerting.Statistics `json:"statistics"`
}

// HandleAlerts 活跃告警与统计，hours 默认 24
func (h *OpsHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusNotFound, "ALERTING_DISABLED", "alerting is disabled")
		return
	}
	hours, ok := parseHours(w, r)
	if !ok {
		return
	}
	if hours == 0 {
		hours = 24
	}
	view := AlertsView{
		Active:     h.alerts.ActiveAlerts(),
		Statistics: h.alerts.Statistics(hours),
	}
	if r.URL.Query().Get("history") == "true" {
		view.History = h.alerts.History(hours)
	}
	if view.Active == nil {
		view.Active = []alerting.Record{}
	}
	writeSuccess(w, r, view)
}

// UsageView 资源使用与流式会话数
type UsageView struct {
	governor.UsageStats
	Sessions map[string]int `json:"sessions"`
}

// HandleUsage 资源管控使用情况
func (h *OpsHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	view := UsageView{
		UsageStats: h.usage.Usage(),
		Sessions:   make(map[string]int, len(h.sessions)),
	}
	for kind, c := range h.sessions {
		view.Sessions[kind] = c.ActiveSessions()
	}
	writeSuccess(w, r, view)
}

func parseHours(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return 0, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "hours must be a non-negative integer")
		return 0, false
	}
	return hours, true
}
