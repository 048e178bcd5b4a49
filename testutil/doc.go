/*
Package testutil 提供语音核心测试的共享工具和辅助函数。

# 概述

testutil 为各包的单元测试提供统一的上下文构造与通道读取辅助，
避免每个测试文件各自实现超时等待逻辑。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 通道辅助: Receive / Drain，带超时读取会话事件等异步输出
  - 数据工具: MustJSON

# 子包

  - testutil/mocks: MockProvider，同时实现合成与识别，
    支持固定输出、延迟、错误注入和手动驱动的流式连接
  - testutil/fixtures: 样例文本（中文、英文、长文本）与音频
    （WAV、MP3、ID3、Ogg）构造函数

# 使用示例

	ctx := testutil.TestContext(t)
	mock := mocks.NewMockProvider().WithTranscript("你好")
	res, err := svc.Recognize(ctx, &service.RecognitionRequest{Audio: fixtures.WAV(time.Second, 16000)})
*/
package testutil
