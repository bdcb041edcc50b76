package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadResolvesRelativeSQLitePath(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"storage": "sqlite3"},
		"databases": {"sqlite3": {"dsn": "chat.db"}},
		"providers": {"gemini": {"api_key": "k"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "chat.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "k", cfg.Providers["gemini"].APIKey)
	assert.Equal(t, 0.7, cfg.Defaults.Temperature)
	assert.Equal(t, "gemini-3-flash-preview", cfg.Defaults.ModelID)

	provider, ok := cfg.Provider("gemini-3-pro-preview")
	require.True(t, ok)
	assert.Equal(t, "gemini", provider)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"basic_config": {"storage": "memory"}}`)
	t.Setenv("NHUTBOT_BASIC_CONFIG_SERVER_ADDRESS", "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "memory", cfg.BasicConfig.Storage)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"storage":     `{"basic_config": {"storage": "mongo"}}`,
		"temperature": `{"basic_config": {"storage": "memory"}, "defaults": {"temperature": 1.5}}`,
		"model":       `{"basic_config": {"storage": "memory"}, "defaults": {"model_id": "unknown"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
