package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/config"
	"github.com/xiaot623/localapi/internal/logging"
	"github.com/xiaot623/localapi/internal/policy"
	"github.com/xiaot623/localapi/internal/repository"
	"github.com/xiaot623/localapi/internal/service"
	"github.com/xiaot623/localapi/internal/tools"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	dbPath     string
	mode       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "localapi",
		Short:         "Local responses API over an OpenAI-compatible backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file (overrides LOCALAPI_CONFIG_FILE)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json or console")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	flags.StringVar(&opts.mode, "mode", "", "set to MOCK to answer without a backend")

	cmd.AddCommand(newServeCmd(opts), newFoldCmd(opts), newInspectCmd(opts))
	return cmd
}

// load applies flags over file and environment configuration.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if o.dbPath != "" {
		cfg.DatabasePath = o.dbPath
	}
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	return cfg, cfg.Validate()
}

// app is the wired service and the resources it owns.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *repository.SQLiteStore
	service *service.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := repository.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	retry := llm.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxJitter = cfg.RetryMaxJitter

	chatClient := llm.NewLLMClient(cfg.Mode, llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.RequestTimeout,
		Retry:       retry,
	}, logger.Named("llm"))

	visionClient := llm.NewLLMClient(cfg.Mode, llm.Config{
		BaseURL: cfg.VisionURL(),
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.VisionModel,
		Timeout: cfg.ToolTimeout,
		Retry:   retry,
	}, logger.Named("vision"))

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewVisionDescribeTool(visionClient, cfg.VisionModel, logger.Named("vision")))

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		service: service.New(store, chatClient, registry, policyEngine, cfg, logger),
	}, nil
}

// Close waits for background work and releases the store.
func (a *app) Close() {
	a.service.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
