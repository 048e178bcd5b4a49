// =============================================================================
// 📦 测试数据工厂 - 音频样例
// =============================================================================
// 只保证文件头合法，载荷为静音或零字节
// =============================================================================
package fixtures

import (
	"time"

	"github.com/Carolier2003/ai-roleplay-sub001/speech/provider"
)

// PCM 返回指定时长的 16 位单声道静音 PCM
func PCM(d time.Duration, sampleRate int) []byte {
	samples := int(d.Seconds() * float64(sampleRate))
	return make([]byte, samples*2)
}

// WAV 返回指定时长的 16 位单声道静音 WAV
func WAV(d time.Duration, sampleRate int) []byte {
	return provider.EncodeWAV(PCM(d, sampleRate), sampleRate, 16, 1)
}

// MP3 返回以 MPEG 帧同步字开头、总长 size 字节的数据
func MP3(size int) []byte {
	if size < 2 {
		size = 2
	}
	b := make([]byte, size)
	b[0], b[1] = 0xFF, 0xFB
	return b
}

// ID3MP3 返回以 ID3 标签开头的 MP3 数据
func ID3MP3(size int) []byte {
	if size < 3 {
		size = 3
	}
	b := make([]byte, size)
	copy(b, "ID3")
	return b
}

// Ogg 返回以 OggS 页头开头的数据，用于 opus
func Ogg(size int) []byte {
	if size < 4 {
		size = 4
	}
	b := make([]byte, size)
	copy(b, "OggS")
	return b
}
