package instruction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nhutbot/internal/models"
)

func TestComposeIsDeterministic(t *testing.T) {
	in := Input{
		Language: models.LanguageEN,
		Mode:     models.ModeCoder,
		Facts:    []string{"likes Go", "lives in Saigon"},
		Custom:   "\n\nAlways answer briefly.",
	}
	first := Compose(in)
	second := Compose(in)
	require.Equal(t, first, second)
}

func TestComposeOrder(t *testing.T) {
	out := Compose(Input{
		Language: models.LanguageEN,
		Mode:     models.ModeLearning,
		Facts:    []string{"is a student"},
		Custom:   "CUSTOM-TEXT",
	})

	base := strings.Index(out, "You are NhutAIbot Ultimate.")
	mode := strings.Index(out, "Mode: learning")
	custom := strings.Index(out, "CUSTOM-TEXT")
	facts := strings.Index(out, factsHeader)

	require.Equal(t, 0, base)
	assert.Less(t, base, mode)
	assert.Less(t, mode, custom)
	assert.Less(t, custom, facts)
	assert.True(t, strings.HasSuffix(out, factsHeader+"\n- is a student"))
}

func TestComposeStandardHasNoModeBlock(t *testing.T) {
	out := Compose(Input{Language: models.LanguageVI, Mode: models.ModeStandard})
	assert.True(t, strings.HasPrefix(out, basePersonaVI))
	assert.NotContains(t, out, "Mode:")
	assert.Contains(t, out, qualityControlVI)
}

func TestComposeOmitsEmptyFacts(t *testing.T) {
	out := Compose(Input{Language: models.LanguageEN, Facts: nil})
	assert.NotContains(t, out, factsHeader)

	out = Compose(Input{Language: models.LanguageEN, Facts: []string{"a", "b"}})
	assert.Contains(t, out, factsHeader+"\n- a\n- b")
}

func TestComposeCustomVerbatim(t *testing.T) {
	custom := "  keep *this* exactly \n"
	out := Compose(Input{Language: models.LanguageEN, Custom: custom})
	assert.True(t, strings.HasSuffix(out, custom))
}
