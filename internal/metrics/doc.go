/*
包 metrics 提供基于 Prometheus 的语音服务指标采集能力。

# 概述

Collector 使用 promauto 自动注册指标，按 namespace 隔离。它实现
monitor.Observer，把性能采集器看到的每次开始与完成镜像为
Prometheus 计数器与直方图，供 /metrics 端点导出。

# 主要能力

  - HTTP 指标：运维端点的请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 语音请求指标：按 class（sync/async/streaming）分组的请求数、耗时、
    输入大小、进行中数量与按错误码分类的失败数。
  - 资源管控指标：准入拒绝数、流式会话数、分段合成段数。
  - 告警指标：按类型与级别统计的告警转换次数。
  - 数据库指标：活跃/空闲连接数。
*/
package metrics
