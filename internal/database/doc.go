/*
包 database 负责打开指标快照所用的数据库，并管理 GORM 连接池。

# 概述

Open 按 DatabaseConfig.Driver 选择方言：postgres、mysql 或纯 Go 的 sqlite，
随后由 PoolManager 接管连接池参数。后台健康检查定时探活，
成功时把打开与空闲连接数上报给 StatsReporter。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：最大空闲连接数、最大打开连接数、生命周期与健康检查间隔。
  - StatsReporter：连接数上报接口，由 metrics.Collector 实现。
*/
package database
