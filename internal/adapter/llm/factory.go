package llm

import "go.uber.org/zap"

// ModeMock selects the mock client.
const ModeMock = "MOCK"

// NewLLMClient creates an LLM client for the given mode. In MOCK mode no
// backend is contacted.
func NewLLMClient(mode string, cfg Config, logger *zap.Logger) LLMClient {
	if mode == ModeMock {
		if logger != nil {
			logger.Info("mock mode detected, using mock LLM client")
		}
		return NewMockClient()
	}
	return NewClient(cfg, logger)
}
