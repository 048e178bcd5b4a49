package service

import "slices"

// Voice 一个可用音色及其支持的语言
type Voice struct {
	Name      string   `json:"name"`
	Dialect   string   `json:"dialect,omitempty"`
	Languages []string `json:"languages"`
}

var (
	multiLanguages = []string{
		"Chinese", "English", "French", "German", "Russian",
		"Italian", "Spanish", "Portuguese", "Japanese", "Korean",
	}
	basicLanguages = []string{"Chinese", "English"}
)

// voices 按名称索引的音色目录。方言音色同样支持多语种。
var voices = map[string]Voice{
	"Cherry":   {Name: "Cherry", Languages: multiLanguages},
	"Ethan":    {Name: "Ethan", Languages: multiLanguages},
	"Nofish":   {Name: "Nofish", Languages: multiLanguages},
	"Jennifer": {Name: "Jennifer", Languages: multiLanguages},
	"Ryan":     {Name: "Ryan", Languages: multiLanguages},
	"Katerina": {Name: "Katerina", Languages: multiLanguages},
	"Elias":    {Name: "Elias", Languages: multiLanguages},
	"Jada":     {Name: "Jada", Dialect: "shanghainese", Languages: multiLanguages},
	"Dylan":    {Name: "Dylan", Dialect: "beijing", Languages: multiLanguages},
	"Sunny":    {Name: "Sunny", Dialect: "sichuanese", Languages: multiLanguages},
	"Li":       {Name: "Li", Dialect: "nanjing", Languages: multiLanguages},
	"Marcus":   {Name: "Marcus", Dialect: "shaanxi", Languages: multiLanguages},
	"Roy":      {Name: "Roy", Dialect: "minnan", Languages: multiLanguages},
	"Peter":    {Name: "Peter", Dialect: "tianjin", Languages: multiLanguages},
	"Rocky":    {Name: "Rocky", Dialect: "cantonese", Languages: multiLanguages},
	"Kiki":     {Name: "Kiki", Dialect: "cantonese", Languages: multiLanguages},
	"Eric":     {Name: "Eric", Dialect: "sichuanese", Languages: multiLanguages},
	"Serena":   {Name: "Serena", Languages: basicLanguages},
	"Chelsie":  {Name: "Chelsie", Languages: basicLanguages},
}

// Voices 返回按名称排序的音色目录
func Voices() []Voice {
	out := make([]Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b Voice) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// VoiceSupports 音色是否支持该语言，未知音色一律不支持
func VoiceSupports(voice, language string) bool {
	v, ok := voices[voice]
	if !ok {
		return false
	}
	return slices.Contains(v.Languages, language)
}
