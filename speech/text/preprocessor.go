// Package text 为语音合成准备文本：清理 Markdown 与特殊符号、统一标点、
// 判断文本是否适合合成，以及在未指定时推断合成语言。
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/width"
)

// 合成语言
const (
	LanguageChinese = "Chinese"
	LanguageEnglish = "English"
)

// rule 一条替换规则，按顺序执行
type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	// Markdown
	{regexp.MustCompile("(?s)```.*?```"), ""},
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile(`~~(.*?)~~`), "$1"},
	{regexp.MustCompile("`(.*?)`"), "$1"},

	// 链接
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), "链接"},

	// 标题与分隔符
	{regexp.MustCompile(`#+\s*`), ""},
	{regexp.MustCompile(`-{3,}`), ""},
	{regexp.MustCompile(`_{3,}`), ""},
	{regexp.MustCompile(`——+`), "，"},
	{regexp.MustCompile(`\|`), ""},

	// 列表与引用
	{regexp.MustCompile(`(?m)(?:^|\s)[-*+]\s+`), " "},
	{regexp.MustCompile(`(?m)(?:^|\s)\d+\.\s+`), " "},
	{regexp.MustCompile(`(?m)^\s*>\s*`), ""},

	// 标点统一
	{regexp.MustCompile(`\s*[。！？.!?]+\s*`), "。"},
	{regexp.MustCompile(`\s*[，,]+\s*`), "，"},
	{regexp.MustCompile(`\s*[；;]+\s*`), "；"},
	{regexp.MustCompile(`\s*[：:]+\s*`), "："},

	// 空白
	{regexp.MustCompile(`\s+`), " "},
}

// Preprocessor TTS 文本预处理器
type Preprocessor struct {
	logger *zap.Logger
}

// NewPreprocessor 创建预处理器
func NewPreprocessor(logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preprocessor{logger: logger.With(zap.String("component", "tts_text"))}
}

// Preprocess 清理文本，保证非空结果以句末标点结尾
func (p *Preprocessor) Preprocess(text string) string {
	if text == "" {
		return ""
	}
	// 全角字母数字折叠为半角
	out := width.Fold.String(text)
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	out = strings.TrimSpace(out)

	if out != "" {
		last, _ := utf8.DecodeLastRuneInString(out)
		if !strings.ContainsRune("。！？.!?", last) {
			out += "。"
		}
	}

	p.logger.Debug("tts text preprocessed",
		zap.Int("original_runes", utf8.RuneCountInString(text)),
		zap.Int("processed_runes", utf8.RuneCountInString(out)))
	return out
}

// IsSuitable 文本长度在 [2, maxLength] 内且字母类字符不少于一半
func (p *Preprocessor) IsSuitable(text string, maxLength int) bool {
	clean := strings.TrimSpace(text)
	n := utf8.RuneCountInString(clean)
	if n < 2 || n > maxLength {
		p.logger.Debug("text length not suitable for tts",
			zap.Int("runes", n),
			zap.Int("max", maxLength))
		return false
	}

	letters := 0
	for _, r := range clean {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if float64(letters) < float64(n)*0.5 {
		p.logger.Debug("letter ratio too low for tts",
			zap.Float64("ratio", float64(letters)/float64(n)))
		return false
	}
	return true
}

// DetermineLanguage 显式指定的语言优先；否则汉字占比超过 30% 判为中文
func (p *Preprocessor) DetermineLanguage(text, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return LanguageChinese
	}

	han := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	ratio := float64(han) / float64(total)
	if ratio > 0.3 {
		return LanguageChinese
	}
	return LanguageEnglish
}
