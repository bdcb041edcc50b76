package models

// Language selects the locale of UI strings and the base persona.
type Language string

const (
	LanguageVI Language = "vi"
	LanguageEN Language = "en"
)

// DefaultLanguage is used when nothing else is configured.
const DefaultLanguage = LanguageVI

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	_, ok := translations[l]
	return ok
}

// Strings holds the locale strings the engine writes into transcripts.
type Strings struct {
	Greeting string
	NewChat  string
	Error    string
}

var translations = map[Language]Strings{
	LanguageVI: {
		Greeting: "Chào mừng bạn đến với NhutAIbot Ultimate! Mình có thể giúp gì cho bạn hôm nay?",
		NewChat:  "Cuộc hội thoại mới",
		Error:    "Có lỗi xảy ra khi kết nối với AI. Vui lòng thử lại!",
	},
	LanguageEN: {
		Greeting: "Welcome to NhutAIbot Ultimate! How can I assist you today?",
		NewChat:  "New Chat",
		Error:    "An error occurred while connecting to AI. Please try again!",
	},
}

// Translations returns the strings for l, falling back to DefaultLanguage.
func Translations(l Language) Strings {
	if s, ok := translations[l]; ok {
		return s
	}
	return translations[DefaultLanguage]
}

// IsDefaultTitle reports whether title is the NewChat label of any locale.
func IsDefaultTitle(title string) bool {
	for _, s := range translations {
		if s.NewChat == title {
			return true
		}
	}
	return false
}

// Mode is the interaction mode shaping the system instruction.
type Mode string

const (
	ModeStandard  Mode = "standard"
	ModeLearning  Mode = "learning"
	ModeCoder     Mode = "coder"
	ModeAssistant Mode = "assistant"
)

// Valid reports whether m is a known mode. The empty mode counts as standard.
func (m Mode) Valid() bool {
	switch m {
	case "", ModeStandard, ModeLearning, ModeCoder, ModeAssistant:
		return true
	}
	return false
}
