/*
包 alerting 基于性能快照的告警引擎。

Engine 按 CheckInterval 周期评估失败率、平均延迟、进程内存使用率与
并发请求数四项条件，每项各自维护触发/解除状态。活跃告警在冷却期内
不会重复触发，条件恢复后的下一轮评估写入一条 INFO 级别的解除记录。

记录按顺序同步扇出给监听器，单个监听器的错误或 panic 只记录日志。
内置 LogListener 与 RedisListener，后者借助 cache.Manager 把 JSON
记录写入有界列表。
*/
package alerting
