package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Carolier2003/ai-roleplay-sub001/internal/pool"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

// AudioSegment 单个段落的合成结果
type AudioSegment struct {
	Index int
	Audio []byte
}

// WAVFormat 从 fmt 块解析出的音频参数
type WAVFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// BytesPerSecond 每秒音频字节数
func (f WAVFormat) BytesPerSecond() int {
	return int(f.SampleRate) * int(f.BitsPerSample/8) * int(f.Channels)
}

// wavLayout 记录 RIFF 容器内关键块的位置
type wavLayout struct {
	format     WAVFormat
	dataOffset int // data 负载起点
	dataLen    int
}

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// parseWAV 遍历 RIFF 块，定位 fmt 与 data
func parseWAV(b []byte) (wavLayout, error) {
	var l wavLayout
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return l, errNotWAV
	}

	haveFmt := false
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return l, fmt.Errorf("truncated fmt chunk")
			}
			l.format = WAVFormat{
				AudioFormat:   binary.LittleEndian.Uint16(b[body:]),
				Channels:      binary.LittleEndian.Uint16(b[body+2:]),
				SampleRate:    binary.LittleEndian.Uint32(b[body+4:]),
				BitsPerSample: binary.LittleEndian.Uint16(b[body+14:]),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return l, fmt.Errorf("data chunk before fmt chunk")
			}
			l.dataOffset = body
			// 流式输出的 data 长度可能是占位值，以实际字节为准
			if size > len(b)-body || size == 0 {
				size = len(b) - body
			}
			l.dataLen = size
			return l, nil
		}

		// 块按偶数字节对齐
		off = body + size + size%2
	}
	return l, fmt.Errorf("missing data chunk")
}

// ParseWAVFormat 解析 WAV 头中的音频参数
func ParseWAVFormat(b []byte) (WAVFormat, error) {
	l, err := parseWAV(b)
	if err != nil {
		return WAVFormat{}, err
	}
	return l.format, nil
}

// Reassemble 按段序拼接 WAV 音频。第一段完整保留（含头），之后每段只追加
// data 负载并在其后插入 gap 时长的静音；最终改写 RIFF 与 data 的长度字段。
func Reassemble(segments []AudioSegment, gap time.Duration) ([]byte, error) {
	if len(segments) == 0 {
		return nil, types.NewError(types.ErrAudioReassemblyFailed, "no audio segments to reassemble")
	}
	if len(segments) == 1 {
		return segments[0].Audio, nil
	}

	ordered := make([]AudioSegment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	base, err := parseWAV(ordered[0].Audio)
	if err != nil {
		return nil, reassemblyError(ordered[0].Index, err)
	}
	silence := silenceBytes(base.format, gap)

	buf := pool.AudioBufferPool.Get()
	defer pool.AudioBufferPool.Put(buf)

	buf.Write(ordered[0].Audio[:base.dataOffset+base.dataLen])
	for _, seg := range ordered[1:] {
		l, err := parseWAV(seg.Audio)
		if err != nil {
			return nil, reassemblyError(seg.Index, err)
		}
		if l.format != base.format {
			return nil, reassemblyError(seg.Index, fmt.Errorf("format mismatch: %+v != %+v", l.format, base.format))
		}
		buf.Write(seg.Audio[l.dataOffset : l.dataOffset+l.dataLen])
		buf.Write(silence)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	binary.LittleEndian.PutUint32(out[base.dataOffset-4:base.dataOffset], uint32(len(out)-base.dataOffset))
	return out, nil
}

// silenceBytes 计算 gap 时长静音的字节数，按帧对齐
func silenceBytes(f WAVFormat, gap time.Duration) []byte {
	if gap <= 0 {
		return nil
	}
	frame := int(f.BitsPerSample/8) * int(f.Channels)
	if frame <= 0 {
		return nil
	}
	frames := int(int64(f.SampleRate) * int64(gap) / int64(time.Second))
	out := make([]byte, frames*frame)
	// 8 位 PCM 为无符号采样，静音电平是 0x80
	if f.BitsPerSample == 8 {
		for i := range out {
			out[i] = 0x80
		}
	}
	return out
}

func reassemblyError(index int, cause error) error {
	return types.NewError(types.ErrAudioReassemblyFailed, "failed to reassemble audio").
		WithIndex(index).WithCause(cause)
}
