// Package config 提供语音核心的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（SPEECH_ 前缀）的顺序叠加，
// 覆盖资源管控、分段合成、流式会话、指标与告警等各子系统。
package config
