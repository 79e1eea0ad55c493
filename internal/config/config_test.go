package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"CONFIG_FILE", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 20, cfg.MaxContextMessages)
	assert.Equal(t, 100, cfg.SummarizeAfterMessages)
	assert.Equal(t, 0.75, cfg.PromptBudgetRatio)
	assert.Equal(t, cfg.LLMBaseURL, cfg.VisionURL())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_port: 9000
llm_model: file-model
vision_base_url: http://vision:1234/v1
request_timeout: 30s
hysteresis_tokens: 128
`), 0o644))

	t.Setenv(EnvPrefix+"LLM_MODEL", "env-model")
	t.Setenv(EnvPrefix+"PROMPT_BUDGET_RATIO", "0.5")
	t.Setenv(EnvPrefix+"TOOL_TIMEOUT_MS", "1500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, "env-model", cfg.LLMModel)
	assert.Equal(t, "http://vision:1234/v1", cfg.VisionURL())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 128, cfg.HysteresisTokens)
	assert.Equal(t, 0.5, cfg.PromptBudgetRatio)
	assert.Equal(t, 1500*time.Millisecond, cfg.ToolTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvPrefix+"PROMPT_BUDGET_RATIO", "1.5")
	_, err := Load("")
	require.Error(t, err)
}

func TestPublicHidesAPIKey(t *testing.T) {
	cfg := Default()
	cfg.LLMAPIKey = "secret"
	for k, v := range cfg.Public() {
		assert.NotEqual(t, "secret", v, "key %s leaks the api key", k)
	}
}
