package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Bot.Token)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 10*time.Minute, cfg.Storage.TTL.Dedup)
	assert.Equal(t, 4096, cfg.Reply.MaxLength)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "en", cfg.I18n.DefaultLanguage)
	assert.Empty(t, cfg.Whitelist)
	assert.False(t, cfg.Bot.Webhook.Enabled())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: from-file
  webhook:
    url: https://bot.example
backends:
  openai:
    models: [gpt-4o]
  azure:
    deployments:
      gpt-4o-azure: prod-gpt4o
reply:
  stream: true
`)
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("WHITELIST", "1, 2,,3")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Bot.Token)
	assert.True(t, cfg.Bot.Webhook.Enabled())
	assert.Equal(t, []string{"1", "2", "3"}, cfg.Whitelist)
	assert.Equal(t, "sk-test", cfg.Backends.OpenAI.APIKey)
	assert.Equal(t, []string{"gpt-4o"}, cfg.Backends.OpenAI.Models)
	assert.Equal(t, "prod-gpt4o", cfg.Backends.Azure.Deployments["gpt-4o-azure"])
	assert.Equal(t, "2024-02-01", cfg.Backends.Azure.APIVersion)
	assert.True(t, cfg.Reply.Stream)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing token", body: "bot:\n  token: \"\"\n"},
		{name: "redis without address", body: "bot:\n  token: t\nstorage:\n  type: redis\n"},
		{name: "unknown storage", body: "bot:\n  token: t\nstorage:\n  type: etcd\n"},
		{name: "bad max length", body: "bot:\n  token: t\nreply:\n  max_length: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BOT_TOKEN", "")
			t.Setenv("TELEGRAM_BOT_TOKEN", "")
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
