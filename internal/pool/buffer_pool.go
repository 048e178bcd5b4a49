package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool 复用 bytes.Buffer，超过 maxCap 的缓冲区归还时直接丢弃
type BufferPool struct {
	pool    sync.Pool
	maxCap  int
	gets    atomic.Int64
	news    atomic.Int64
	dropped atomic.Int64
}

// NewBufferPool 创建初始容量为 initialCap 的缓冲池
func NewBufferPool(initialCap, maxCap int) *BufferPool {
	p := &BufferPool{maxCap: maxCap}
	p.pool.New = func() any {
		p.news.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCap))
	}
	return p
}

// Get 取出一个已清空的缓冲区
func (p *BufferPool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put 归还缓冲区。调用方之后不得再引用 buf 或其 Bytes()。
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if p.maxCap > 0 && buf.Cap() > p.maxCap {
		p.dropped.Add(1)
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// Stats 缓冲池统计
func (p *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Gets:    p.gets.Load(),
		News:    p.news.Load(),
		Dropped: p.dropped.Load(),
	}
}

// BufferPoolStats 缓冲池统计
type BufferPoolStats struct {
	Gets    int64 `json:"gets"`
	News    int64 `json:"news"`
	Dropped int64 `json:"dropped"`
}

// HitRate 复用率
func (s BufferPoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// AudioBufferPool WAV 拼接用缓冲池。初始 64KiB，约 1.3 秒 24kHz 16 位单声道 PCM；
// 单次拼接超过 4MiB 的缓冲区不回收。
var AudioBufferPool = NewBufferPool(64<<10, 4<<20)
