package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTruncateTitle(t *testing.T) {
	assert.Equal(t, "Xin chào", TruncateTitle("  Xin chào  "))

	exact := strings.Repeat("a", TitleMaxRunes)
	assert.Equal(t, exact, TruncateTitle(exact))

	long := strings.Repeat("ạ", TitleMaxRunes+5)
	got := TruncateTitle(long)
	assert.Equal(t, strings.Repeat("ạ", TitleMaxRunes)+"...", got)
}

func TestSessionConfigValidate(t *testing.T) {
	base := SessionConfig{ModelID: "gemini-3-flash-preview", Temperature: 0.7, Language: LanguageEN}
	require.NoError(t, base.Validate())

	cases := map[string]func(c *SessionConfig){
		"missing model":  func(c *SessionConfig) { c.ModelID = " " },
		"too hot":        func(c *SessionConfig) { c.Temperature = 1.5 },
		"negative temp":  func(c *SessionConfig) { c.Temperature = -0.1 },
		"unknown locale": func(c *SessionConfig) { c.Language = "fr" },
		"unknown mode":   func(c *SessionConfig) { c.Mode = "pirate" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSessionConfigToolsAndBudget(t *testing.T) {
	cfg := SessionConfig{}
	assert.Empty(t, cfg.Tools())
	assert.Zero(t, cfg.ThinkingBudget())

	cfg.ThinkingEnabled = true
	cfg.WebSearchEnabled = true
	cfg.CodeExecutionEnabled = true
	assert.Equal(t, []Tool{ToolWebSearch, ToolCodeExecution}, cfg.Tools())
	assert.Equal(t, ThinkingBudgetTokens, cfg.ThinkingBudget())
}

func TestIsDefaultTitle(t *testing.T) {
	assert.True(t, IsDefaultTitle(Translations(LanguageVI).NewChat))
	assert.True(t, IsDefaultTitle(Translations(LanguageEN).NewChat))
	assert.False(t, IsDefaultTitle("Hello"))
	assert.Equal(t, Translations(DefaultLanguage), Translations("xx"))
}

func TestSessionCloneIsDeep(t *testing.T) {
	orig := &Session{
		ID:       "s1",
		Messages: []Message{{ID: "m1", Citations: []Citation{{URI: "https://a"}}}},
	}
	cp := orig.Clone()
	cp.Messages[0].Citations[0].URI = "https://b"
	cp.Messages = append(cp.Messages, Message{ID: "m2"})

	assert.Equal(t, "https://a", orig.Messages[0].Citations[0].URI)
	assert.Len(t, orig.Messages, 1)

	assert.Nil(t, (*Session)(nil).Clone())
}

func TestExportEncode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sess := &Session{
		ID:            "s1",
		Title:         "Trip",
		Messages:      []Message{{ID: "m1", Role: RoleUser, Content: "hi", CreatedAt: at}},
		SessionConfig: SessionConfig{ModelID: "m", Temperature: 0.5, Language: LanguageEN},
		LastUpdated:   at,
	}
	doc := NewExportDocument(sess, at)

	data, err := doc.Encode(ExportJSON)
	require.NoError(t, err)
	var asJSON map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &asJSON))
	assert.Equal(t, "s1", asJSON["id"])
	assert.Equal(t, "m", asJSON["model_id"])
	assert.Contains(t, asJSON, "exported_at")

	data, err = doc.Encode(ExportYAML)
	require.NoError(t, err)
	var asYAML map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &asYAML))
	assert.Equal(t, "Trip", asYAML["title"])
	assert.Equal(t, "en", asYAML["language"])

	_, err = doc.Encode("xml")
	assert.Error(t, err)
	assert.Equal(t, "application/yaml", ExportYAML.ContentType())
	assert.Equal(t, "application/json", ExportJSON.ContentType())
}

func TestFactTexts(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, FactTexts([]MemoryFact{{Text: "a"}, {Text: "b"}}))
	assert.Empty(t, FactTexts(nil))
}
