/*
Package provider 定义语音核心与上游语音服务之间的契约。

# 核心接口

  - Synthesizer：同步合成与带回调的流式合成。
  - Recognizer：同步识别与带回调的流式识别。
  - Connection：流式连接，提供 SendAudioFrame、Stop 与 Close。

ErrInvalidState 与 ErrConnectionClosed 是会话关闭路径上允许吞掉的两类
良性错误，其它错误一律以 types.ErrProviderError 暴露。

OpenAIProvider 是基于 OpenAI 兼容 HTTP 接口的实现。
*/
package provider
