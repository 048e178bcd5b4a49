package fixtures

import "strings"

// 样例文本
const (
	ChineseSentence = "你好，今天天气不错。"
	EnglishSentence = "Good morning everyone."
	MixedSentence   = "今天的 meeting 改到下午三点。"
)

// LongChinese 返回由完整句子重复拼接、不少于 minRunes 个字符的中文文本，
// 用于触发分段合成
func LongChinese(minRunes int) string {
	const sentence = "春天来了，公园里的花都开了，孩子们在草地上快乐地奔跑。"
	n := len([]rune(sentence))
	count := minRunes/n + 1
	return strings.Repeat(sentence, count)
}
