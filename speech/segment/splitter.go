// Package segment 把超过 provider 单次字符上限的长文本切分为有序段落，
// 并发合成后按原始顺序拼接为一段连续的 WAV 音频。
package segment

import (
	"unicode"
)

// DefaultCeiling 单段字符上限（rune）。provider 硬上限为 600，留出余量。
const DefaultCeiling = 580

// Segment 一个文本段落
type Segment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Splitter 按句、子句、字符三级边界切分文本
type Splitter struct {
	Ceiling int
}

// NewSplitter 创建切分器，ceiling <= 0 时使用 DefaultCeiling
func NewSplitter(ceiling int) *Splitter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Splitter{Ceiling: ceiling}
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

func isClauseEnd(r rune) bool {
	switch r {
	case '，', '；', ',', ';':
		return true
	}
	return false
}

// span 原文 rune 切片上的半开区间
type span struct{ start, end int }

// Split 切分文本。每段去掉首尾空白后不超过 Ceiling 个字符；
// 所有段按原文顺序排列，拼接后只缺少段边界处的空白。
func (s *Splitter) Split(text string) []Segment {
	ceiling := s.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	runes := []rune(text)

	var out []span
	for _, sentence := range cutAfter(runes, span{0, len(runes)}, isSentenceEnd) {
		out = accumulate(runes, out, sentence, ceiling, func(oversized span) []span {
			// 超长句子按子句继续切分，子句仍超长则硬切
			var parts []span
			for _, clause := range cutAfter(runes, oversized, isClauseEnd) {
				parts = accumulate(runes, parts, clause, ceiling, func(c span) []span {
					return hardCut(runes, c, ceiling)
				})
			}
			return parts
		})
	}

	segments := make([]Segment, 0, len(out))
	for _, sp := range out {
		t := trim(runes, sp)
		if t.start == t.end {
			continue
		}
		segments = append(segments, Segment{Index: len(segments), Text: string(runes[t.start:t.end])})
	}
	return segments
}

// accumulate 把 piece 并入 acc 的最后一段；放不下时另起一段，
// piece 自身超过上限时交给 split 细分。
func accumulate(runes []rune, acc []span, piece span, ceiling int, split func(span) []span) []span {
	if trimmedLen(runes, piece) == 0 {
		if n := len(acc); n > 0 {
			acc[n-1].end = piece.end
		}
		return acc
	}
	if trimmedLen(runes, piece) > ceiling {
		return append(acc, split(piece)...)
	}
	if n := len(acc); n > 0 {
		merged := span{acc[n-1].start, piece.end}
		if trimmedLen(runes, merged) <= ceiling {
			acc[n-1] = merged
			return acc
		}
	}
	return append(acc, piece)
}

// cutAfter 在每个满足 isEnd 的字符之后切开，连续的终止符归入同一块
func cutAfter(runes []rune, sp span, isEnd func(rune) bool) []span {
	var parts []span
	start := sp.start
	for i := sp.start; i < sp.end; i++ {
		if !isEnd(runes[i]) {
			continue
		}
		if i+1 < sp.end && isEnd(runes[i+1]) {
			continue
		}
		parts = append(parts, span{start, i + 1})
		start = i + 1
	}
	if start < sp.end {
		parts = append(parts, span{start, sp.end})
	}
	return parts
}

// hardCut 在字符边界按上限硬切
func hardCut(runes []rune, sp span, ceiling int) []span {
	t := trim(runes, sp)
	var parts []span
	for i := t.start; i < t.end; i += ceiling {
		end := i + ceiling
		if end > t.end {
			end = t.end
		}
		parts = append(parts, span{i, end})
	}
	return parts
}

func trim(runes []rune, sp span) span {
	for sp.start < sp.end && unicode.IsSpace(runes[sp.start]) {
		sp.start++
	}
	for sp.end > sp.start && unicode.IsSpace(runes[sp.end-1]) {
		sp.end--
	}
	return sp
}

func trimmedLen(runes []rune, sp span) int {
	t := trim(runes, sp)
	return t.end - t.start
}
