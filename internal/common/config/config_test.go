package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 3600, cfg.Session.TTL)
	assert.Equal(t, 50, cfg.Session.MaxHistory)
	assert.Equal(t, "orchestrator", cfg.Bus.Group)
	assert.Equal(t, 2, cfg.Bus.FlushTimeout)
	assert.Equal(t, 2000, cfg.Limits.MaxMessageChars)

	require.Len(t, cfg.LLM.Providers, 2)
	assert.Equal(t, "anthropic", cfg.LLM.Providers[0].Name)
	assert.Equal(t, "gemini", cfg.LLM.Providers[1].Name)

	require.Len(t, cfg.Agents.Routes, 5)
	assert.Equal(t, "general_info", cfg.Agents.Routes[0].Intent)
	assert.Equal(t, "general-info-requests", cfg.Agents.Routes[0].RequestTopic)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9000
session:
  ttl: 120
  maxHistory: 10
bus:
  url: nats://localhost:4222
  group: orchestrator
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Session.TTL)
	assert.Equal(t, 10, cfg.Session.MaxHistory)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
	// Untouched sections keep their defaults
	assert.Equal(t, 2000, cfg.Limits.MaxMessageChars)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("bad ttl", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte("session:\n  ttl: -5\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session.ttl")
	})

	t.Run("bad provider kind", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte(`
llm:
  providers:
    - name: local
      kind: llamacpp
      model: whatever
`)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown kind")
	})
}

func TestExpandSecrets(t *testing.T) {
	t.Setenv("TEST_CHATBOT_KEY", "sk-test-123")

	cfg := &Config{}
	cfg.LLM.Providers = []ProviderConfig{{Name: "p", APIKey: "${TEST_CHATBOT_KEY}"}}
	expandSecrets(cfg)

	assert.Equal(t, "sk-test-123", cfg.LLM.Providers[0].APIKey)
}
