package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ThinkingBudgetTokens is the provider thinking allowance used when a session
// has thinking enabled.
const ThinkingBudgetTokens = 16384

// TitleMaxRunes bounds automatically derived session titles.
const TitleMaxRunes = 30

// Tool is a provider-side capability a session can enable.
type Tool string

const (
	ToolWebSearch     Tool = "web_search"
	ToolCodeExecution Tool = "code_execution"
)

// SessionConfig holds every per-session generation setting.
type SessionConfig struct {
	ModelID              string   `json:"model_id" yaml:"model_id"`
	ThinkingEnabled      bool     `json:"thinking_enabled" yaml:"thinking_enabled"`
	WebSearchEnabled     bool     `json:"web_search_enabled" yaml:"web_search_enabled"`
	CodeExecutionEnabled bool     `json:"code_execution_enabled" yaml:"code_execution_enabled"`
	Temperature          float64  `json:"temperature" yaml:"temperature"`
	Language             Language `json:"language" yaml:"language"`
	Mode                 Mode     `json:"mode" yaml:"mode"`
	// CustomInstruction overrides the personalization custom text for this session.
	CustomInstruction string `json:"custom_instruction,omitempty" yaml:"custom_instruction,omitempty"`
}

// Validate reports the first invalid field of c.
func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.ModelID) == "" {
		return errors.New("model id is required")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return errors.Errorf("temperature %v out of range [0,1]", c.Temperature)
	}
	if !c.Language.Valid() {
		return errors.Errorf("unsupported language %q", c.Language)
	}
	if !c.Mode.Valid() {
		return errors.Errorf("unsupported mode %q", c.Mode)
	}
	return nil
}

// ThinkingBudget returns the token allowance, 0 when thinking is disabled.
func (c SessionConfig) ThinkingBudget() int {
	if c.ThinkingEnabled {
		return ThinkingBudgetTokens
	}
	return 0
}

// Tools lists the enabled provider tools in a fixed order.
func (c SessionConfig) Tools() []Tool {
	var tools []Tool
	if c.WebSearchEnabled {
		tools = append(tools, ToolWebSearch)
	}
	if c.CodeExecutionEnabled {
		tools = append(tools, ToolCodeExecution)
	}
	return tools
}

// Session is one persisted conversation thread.
type Session struct {
	ID            string    `json:"id" yaml:"id"`
	Title         string    `json:"title" yaml:"title"`
	Messages      []Message `json:"messages" yaml:"messages"`
	SessionConfig `yaml:",inline"`
	LastUpdated   time.Time `json:"last_updated" yaml:"last_updated"`
}

// Clone deep copies the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m.Clone()
	}
	return &c
}

// TruncateTitle derives a session title from user text.
func TruncateTitle(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	runes := []rune(candidate)
	if len(runes) <= TitleMaxRunes {
		return candidate
	}
	return string(runes[:TitleMaxRunes]) + "..."
}
