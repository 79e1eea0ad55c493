package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/tokens"
)

// Config configures a Client.
type Config struct {
	// BaseURL includes the API version prefix, e.g. http://host:1234/v1.
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retry       RetryPolicy
}

// Client talks to an OpenAI-compatible backend with retries.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	retry       RetryPolicy
	estimator   tokens.Estimator
	logger      *zap.Logger
}

// NewClient creates a new backend client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry:     retry,
		estimator: tokens.NewEstimator(),
		logger:    logger,
	}
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// CreateChatCompletion sends a chat completion request (non-streaming).
// Transient failures are retried. Missing usage is estimated.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	req.Stream = false
	req.StreamOptions = nil
	c.applyDefaults(req)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var result ChatCompletionResponse
	err = c.retry.Do(ctx, c.logger, "chat completion", func(ctx context.Context) error {
		resp, err := c.post(ctx, "/chat/completions", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var completion string
	if msg, ok := result.FirstMessage(); ok {
		completion = msg.TokenContent().PlainText()
	}
	result.Usage = c.fillUsage(req, completion, result.Usage)

	c.logger.Debug("llm_response",
		zap.String("model", req.Model),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens))
	return &result, nil
}

// CreateChatCompletionStream sends a streaming chat completion request.
// Only establishing the stream is retried; a failure while reading is
// returned after the chunks already delivered.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	c.applyDefaults(req)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = c.retry.Do(ctx, c.logger, "chat completion stream", func(ctx context.Context) error {
		r, err := c.post(ctx, "/chat/completions", body)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			return statusError(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		usage     *Usage
		generated strings.Builder
		dec       sseDecoder
		done      bool
	)
	handle := func(line string) error {
		data, ok := dataPayload(line)
		if !ok || data == "" {
			return nil
		}
		if data == "[DONE]" {
			done = true
			return nil
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks
			return nil
		}
		if !chunk.Usage.empty() {
			usage = chunk.Usage
		}
		generated.WriteString(chunk.Text())
		for _, tc := range chunk.ToolCallDeltas() {
			generated.WriteString(string(tc.Function.Arguments))
		}
		return callback(&chunk)
	}

	buf := make([]byte, 4096)
	for !done {
		n, readErr := resp.Body.Read(buf)
		for _, line := range dec.Feed(buf[:n]) {
			if done {
				break
			}
			if err := handle(line); err != nil {
				return c.fillUsage(req, generated.String(), usage), err
			}
		}
		if errors.Is(readErr, io.EOF) {
			if line, ok := dec.Flush(); ok && !done {
				if err := handle(line); err != nil {
					return c.fillUsage(req, generated.String(), usage), err
				}
			}
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return c.fillUsage(req, generated.String(), usage), ctx.Err()
			}
			return c.fillUsage(req, generated.String(), usage), fmt.Errorf("failed to read stream: %w", readErr)
		}
	}

	return c.fillUsage(req, generated.String(), usage), nil
}

// ListModels retrieves the list of available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var result ModelsResponse
	err := c.retry.Do(ctx, c.logger, "list models", func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// applyDefaults fills the model and sampling settings left unset.
func (c *Client) applyDefaults(req *ChatCompletionRequest) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Temperature == nil {
		t := c.temperature
		req.Temperature = &t
	}
	if req.MaxTokens == nil && c.maxTokens > 0 {
		m := c.maxTokens
		req.MaxTokens = &m
	}
}

// fillUsage keeps backend-reported usage and estimates it otherwise.
func (c *Client) fillUsage(req *ChatCompletionRequest, completion string, u *Usage) *Usage {
	if !u.empty() {
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	prompt := tokens.Count(c.estimator, req.Messages)
	comp := 0
	if completion != "" {
		comp = c.estimator.Text(completion)
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: comp, TotalTokens: prompt + comp}
}

// setHeaders sets common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
