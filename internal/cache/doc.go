/*
包 cache 封装 go-redis 客户端，为语音核心提供有界列表存储。

# 概述

Manager 负责连接生命周期：创建时 Ping 校验、后台定时健康检查、
Close 时停止检查协程并释放连接池。RedisConfig.TLS 打开时使用
tlsutil 提供的 TLS 配置。

# 主要能力

  - PushCapped：LPUSH + LTRIM 事务管线，保持列表不超过上限，
    告警历史监听器以此持久化告警记录。
  - Range / Len / Delete：读取与清理列表。
  - GetStats：连接池命中、超时与连接数统计。
*/
package cache
