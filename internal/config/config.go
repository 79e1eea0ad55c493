// Package config provides configuration for the local responses API.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "LOCALAPI_"

// Config holds the service configuration.
type Config struct {
	// Server settings
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// Database
	DatabasePath string `yaml:"database_path"`

	// Chat backend
	LLMBaseURL  string  `yaml:"llm_base_url"`
	LLMAPIKey   string  `yaml:"llm_api_key"`
	LLMModel    string  `yaml:"llm_model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Vision backend; VisionBaseURL falls back to LLMBaseURL.
	VisionBaseURL string `yaml:"vision_base_url"`
	VisionModel   string `yaml:"vision_model"`

	// Context budget
	SystemPrompt        string  `yaml:"system_prompt"`
	ContextWindowTokens int     `yaml:"context_window_tokens"`
	PromptBudgetRatio   float64 `yaml:"prompt_budget_ratio"`
	HysteresisTokens    int     `yaml:"hysteresis_tokens"`
	MaxContextMessages  int     `yaml:"max_context_messages"`

	// Folding
	SummarizeAfterMessages int `yaml:"summarize_after_messages"`
	FoldWindowMessages     int `yaml:"fold_window_messages"`
	SummaryMaxChars        int `yaml:"summary_max_chars"`

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	FoldTimeout    time.Duration `yaml:"fold_timeout"`

	// Retry
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxJitter time.Duration `yaml:"retry_max_jitter"`

	// Tool policy (rego); empty uses the built-in policy
	PolicyFile string `yaml:"policy_file"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Mode "MOCK" answers without a backend
	Mode string `yaml:"mode"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIHost:                "0.0.0.0",
		APIPort:                8080,
		DatabasePath:           "data/local_api.db",
		LLMBaseURL:             "http://localhost:1234/v1",
		LLMModel:               "qwen/qwen3-14b",
		Temperature:            0.2,
		MaxTokens:              512,
		VisionModel:            "qwen2.5-vl-7b-instruct@q8_0",
		SystemPrompt:           "You are a helpful assistant. Be concise.",
		ContextWindowTokens:    8192,
		PromptBudgetRatio:      0.75,
		HysteresisTokens:       256,
		MaxContextMessages:     20,
		SummarizeAfterMessages: 100,
		FoldWindowMessages:     200,
		SummaryMaxChars:        1000,
		RequestTimeout:         120 * time.Second,
		ToolTimeout:            60 * time.Second,
		FoldTimeout:            120 * time.Second,
		RetryAttempts:          3,
		RetryBaseDelay:         500 * time.Millisecond,
		RetryMaxJitter:         250 * time.Millisecond,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// LOCALAPI_CONFIG_FILE (or path when given), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getEnvInt("API_PORT", c.APIPort)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.Temperature = getEnvFloat("TEMPERATURE", c.Temperature)
	c.MaxTokens = getEnvInt("MAX_TOKENS", c.MaxTokens)
	c.VisionBaseURL = getEnv("VISION_BASE_URL", c.VisionBaseURL)
	c.VisionModel = getEnv("VISION_MODEL", c.VisionModel)
	c.SystemPrompt = getEnv("SYSTEM_PROMPT", c.SystemPrompt)
	c.ContextWindowTokens = getEnvInt("CONTEXT_WINDOW_TOKENS", c.ContextWindowTokens)
	c.PromptBudgetRatio = getEnvFloat("PROMPT_BUDGET_RATIO", c.PromptBudgetRatio)
	c.HysteresisTokens = getEnvInt("HYSTERESIS_TOKENS", c.HysteresisTokens)
	c.MaxContextMessages = getEnvInt("MAX_CONTEXT_MESSAGES", c.MaxContextMessages)
	c.SummarizeAfterMessages = getEnvInt("SUMMARIZE_AFTER_MESSAGES", c.SummarizeAfterMessages)
	c.FoldWindowMessages = getEnvInt("FOLD_WINDOW_MESSAGES", c.FoldWindowMessages)
	c.SummaryMaxChars = getEnvInt("SUMMARY_MAX_CHARS", c.SummaryMaxChars)
	c.RequestTimeout = getEnvMillis("REQUEST_TIMEOUT_MS", c.RequestTimeout)
	c.ToolTimeout = getEnvMillis("TOOL_TIMEOUT_MS", c.ToolTimeout)
	c.FoldTimeout = getEnvMillis("FOLD_TIMEOUT_MS", c.FoldTimeout)
	c.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryBaseDelay = getEnvMillis("RETRY_BASE_MS", c.RetryBaseDelay)
	c.RetryMaxJitter = getEnvMillis("RETRY_JITTER_MS", c.RetryMaxJitter)
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.Mode = getEnv("MODE", c.Mode)
}

// Validate rejects settings the engine cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.APIPort <= 0 || c.APIPort > 65535:
		return fmt.Errorf("api_port must be in 1..65535, got %d", c.APIPort)
	case c.DatabasePath == "":
		return fmt.Errorf("database_path is required")
	case c.Mode != "MOCK" && c.LLMBaseURL == "":
		return fmt.Errorf("llm_base_url is required")
	case c.PromptBudgetRatio <= 0 || c.PromptBudgetRatio > 1:
		return fmt.Errorf("prompt_budget_ratio must be in (0, 1], got %v", c.PromptBudgetRatio)
	case c.ContextWindowTokens <= 0:
		return fmt.Errorf("context_window_tokens must be positive")
	case c.HysteresisTokens < 0:
		return fmt.Errorf("hysteresis_tokens must not be negative")
	case c.MaxContextMessages < 1:
		return fmt.Errorf("max_context_messages must be at least 1")
	case c.SummaryMaxChars < 2:
		return fmt.Errorf("summary_max_chars must be at least 2")
	case c.RetryAttempts < 1:
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	return nil
}

// VisionURL is the vision backend base URL.
func (c *Config) VisionURL() string {
	if c.VisionBaseURL != "" {
		return c.VisionBaseURL
	}
	return c.LLMBaseURL
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// Public is the non-secret view served by the config endpoint.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"llm_base_url":             c.LLMBaseURL,
		"llm_model":                c.LLMModel,
		"vision_base_url":          c.VisionURL(),
		"vision_model":             c.VisionModel,
		"temperature":              c.Temperature,
		"max_tokens":               c.MaxTokens,
		"context_window_tokens":    c.ContextWindowTokens,
		"prompt_budget_ratio":      c.PromptBudgetRatio,
		"hysteresis_tokens":        c.HysteresisTokens,
		"max_context_messages":     c.MaxContextMessages,
		"summarize_after_messages": c.SummarizeAfterMessages,
		"fold_window_messages":     c.FoldWindowMessages,
		"summary_max_chars":        c.SummaryMaxChars,
		"request_timeout_ms":       c.RequestTimeout.Milliseconds(),
		"mode":                     c.Mode,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
