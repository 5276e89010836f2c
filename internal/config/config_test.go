package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJSONResolvesRelativeSQLitePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"basic_config": {"server_address": ":9000"},
		"databases": {"sqlite3": {"dsn": "data/chat.db"}},
		"completion": {"provider": "openai", "text_model": "m-text"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(dir, "data/chat.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "m-text", cfg.Completion.TextModel)
	assert.Equal(t, DefaultVisionModel, cfg.Completion.VisionModel)
	assert.Equal(t, DefaultGroqBaseURL, cfg.Provider().BaseURL)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
basic_config:
  cors_origins: ["http://localhost:5173"]
  max_workers: 3
databases:
  mysql:
    host: db
    port: 3306
    db_name: roomchat
redis:
  host: cache
  port: 6380
completion:
  provider: claude
  fallback_text: "try later"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.BasicConfig.CORSOrigins)
	assert.Equal(t, 3, cfg.BasicConfig.MaxWorkers)
	assert.Equal(t, "roomchat", cfg.Databases["mysql"].DBName)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "claude", cfg.Completion.Provider)
	assert.Equal(t, "try later", cfg.Completion.FallbackText)
}

func TestApplyEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("ROOMCHAT_ADDR", ":7777")

	cfg := Default()
	assert.Equal(t, ":7777", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "gsk-test", cfg.Provider().APIKey)
	assert.Equal(t, float32(0.7), cfg.Completion.Temperature)
	assert.Equal(t, 1000, cfg.Completion.MaxTokens)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
