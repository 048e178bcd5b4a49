/*
Package main 提供 speechd 语音核心的程序入口。

# 概述

cmd/speechd 组装资源治理器、超时管理、分段合成管线、流式会话、
性能采集与告警引擎，并通过运维 HTTP 端口暴露运行状态。
合成与识别能力以 Go API 的形式由 Server 的导出字段提供。

# 核心类型

  - Server：组件装配与生命周期（Start / WaitForShutdown / Shutdown）
  - OpsHandler：/health、/v1/speech/snapshot、/v1/speech/alerts、/v1/speech/usage
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、
    MetricsMiddleware、RequestLogger、RateLimiter（基于 IP）
  - /metrics 暴露 Prometheus 指标
  - 快照持久化、Redis 告警历史、音频归档均为可选项，依赖不可用时降级并告警
  - 优雅关闭：HTTP → 流式会话 → 告警/采集循环 → 治理器 → 存储连接 → 遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
