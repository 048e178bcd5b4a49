/*
包 server 管理运维 HTTP 服务器的生命周期：非阻塞启动、可选 TLS、
优雅关闭与信号监听。

Manager 封装 net/http.Server。Start 在后台运行服务，配置了证书与私钥时
以 tlsutil 的默认 TLS 配置监听 HTTPS。WaitForShutdown 在收到
SIGINT/SIGTERM、上下文结束或服务异常退出时触发 Shutdown。
*/
package server
