package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.LLM.DefaultModel != "gpt-5-mini" {
		t.Errorf("DefaultModel = %q, want %q", cfg.LLM.DefaultModel, "gpt-5-mini")
	}
	if cfg.Admission.DefaultMaxTokens != 20000 {
		t.Errorf("DefaultMaxTokens = %d, want 20000", cfg.Admission.DefaultMaxTokens)
	}
	if cfg.Broker.Prefetch != 1 {
		t.Errorf("Prefetch = %d, want 1", cfg.Broker.Prefetch)
	}
	require.NoError(t, Validate(cfg))
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "athena", cfg.Service.Name)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
broker:
  driver: memory
schedule:
  backend: memory
llm:
  default_provider: echo
agents:
  guardian:
    model_name: gpt-5-nano
    temperature: 0.2
worker:
  queue: sensitive
  soft_time_limit: 10s
  hard_time_limit: 20s
cron_runs:
  - name: nightly
    schedule: "0 22 * * *"
    agent_id: journaling
    queue: sensitive
    payload:
      text: "evening check-in"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Broker.Driver)
	assert.Equal(t, "echo", cfg.LLM.DefaultProvider)
	assert.Equal(t, "gpt-5-nano", cfg.Agents["guardian"].ModelName)
	require.NotNil(t, cfg.Agents["guardian"].Temperature)
	assert.InDelta(t, 0.2, *cfg.Agents["guardian"].Temperature, 1e-9)
	assert.Equal(t, "sensitive", cfg.Worker.Queue)
	assert.Equal(t, 10*time.Second, cfg.Worker.SoftTimeLimit)
	require.Len(t, cfg.CronRuns, 1)
	assert.Equal(t, "evening check-in", cfg.CronRuns[0].Payload["text"])
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0600))
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	assert.ErrorContains(t, err, "insecure permissions")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ATHENA_HTTP_ADDR=:9999\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("ATHENA_HTTP_ADDR") })

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATHENA_LLM_DEFAULT_PROVIDER", "echo")
	t.Setenv("ATHENA_LOGGER_LEVEL", "debug")
	t.Setenv("ATHENA_BROKER_URL", "amqp://u:p@rabbit:5672/")
	t.Setenv("ATHENA_WORKER_HARD_TIME_LIMIT", "90s")
	t.Setenv("ANTHROPIC_API_KEY", "ak-1")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "shh")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "echo", cfg.LLM.DefaultProvider)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "amqp://u:p@rabbit:5672/", cfg.Broker.URL)
	assert.Equal(t, 90*time.Second, cfg.Worker.HardTimeLimit)
	assert.Equal(t, "shh", cfg.Webhook.TelegramSecret)

	var found bool
	for _, p := range cfg.LLM.Providers {
		if p.Type == "anthropic" {
			found = true
			assert.Equal(t, "ak-1", p.APIKey)
		}
	}
	assert.True(t, found, "anthropic provider appended from env")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("sk-abcdef123456", "test-passphrase-123")
	require.NoError(t, err)

	decrypted, err := DecryptValue(encrypted, "test-passphrase-123")
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdef123456", decrypted)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	require.NoError(t, err)

	_, err = DecryptValue(encrypted, "wrong-pass")
	assert.Error(t, err)
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encKey, err := EncryptValue("sk-secret123456", passphrase)
	require.NoError(t, err)
	encURL, err := EncryptValue("amqp://user:pw@broker/", passphrase)
	require.NoError(t, err)

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "openai", APIKey: "enc:" + encKey}}
	cfg.Broker.URL = "enc:" + encURL
	cfg.Redis.Password = "plain"

	require.NoError(t, decryptSecrets(cfg, passphrase))
	assert.Equal(t, "sk-secret123456", cfg.LLM.Providers[0].APIKey)
	assert.Equal(t, "amqp://user:pw@broker/", cfg.Broker.URL)
	assert.Equal(t, "plain", cfg.Redis.Password)
}
