/*
Package types 提供语音核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 governor、timeout、
segment、session、service 等上层模块提供统一的错误契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含操作类别、会话 ID、段落索引、
    Retryable、Provider 标记

# 错误分类

  - CAPACITY_EXCEEDED：准入上限拒绝，调用方自行决定是否重试
  - TIMEOUT：类别截止时间到期，携带类别名
  - SEGMENT_SYNTHESIS_FAILED：任一段落合成失败，整个请求失败
  - PROVIDER_ERROR：上游调用或连接失败
  - INVALID_SESSION_STATE：会话不在预期生命周期状态
  - BENIGN_RACE_ON_CLOSE：关闭已结束的资源，仅记录不上抛

# 主要能力

  - 构造工具：NewCapacityError / NewTimeoutError / NewSessionStateError /
    NewProviderError
  - 错误工具链：AsError / GetErrorCode / IsCode / IsRetryable
*/
package types
