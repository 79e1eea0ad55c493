package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xiaot623/localapi/internal/domain"
)

func testClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL: baseURL,
		Model:   "local-model",
		Timeout: 2 * time.Second,
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
	}, nil)
}

func userMessage(text string) []ChatMessage {
	return []ChatMessage{{Role: domain.RoleUser, Content: domain.TextContent(text)}}
}

func TestClientCreateChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "local-model" {
			t.Fatalf("expected default model, got %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"local-model","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`)
	}))
	defer server.Close()

	client := testClient(server.URL + "/v1")
	resp, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Messages: userMessage("hello")})
	if err != nil {
		t.Fatalf("CreateChatCompletion failed: %v", err)
	}
	if resp.Text() != "hi" {
		t.Fatalf("unexpected text: %q", resp.Text())
	}
	if resp.Usage.TotalTokens != 3 {
		t.Fatalf("expected backend usage, got %+v", resp.Usage)
	}
}

func TestClientEstimatesMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"a reasonably long answer"}}]}`)
	}))
	defer server.Close()

	resp, err := testClient(server.URL).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Messages: userMessage("hello")})
	if err != nil {
		t.Fatalf("CreateChatCompletion failed: %v", err)
	}
	u := resp.Usage
	if u.PromptTokens <= 0 || u.CompletionTokens <= 0 || u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Fatalf("unexpected estimated usage: %+v", u)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := testClient(server.URL).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Messages: userMessage("hello")})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond},
	}, nil)

	start := time.Now()
	resp, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Messages: userMessage("hello")})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if resp.Text() != "ok" {
		t.Fatalf("unexpected text %q", resp.Text())
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	// 20ms + 40ms of backoff
	if elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed %v shorter than the backoff schedule", elapsed)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := testClient(server.URL).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Messages: userMessage("hello")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "3 attempt") {
		t.Fatalf("expected attempt count in error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClientCreateChatCompletionStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Fatalf("expected stream with include_usage, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// split a single event across two writes
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"con")
		flusher.Flush()
		fmt.Fprint(w, "tent\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer server.Close()

	var text strings.Builder
	usage, err := testClient(server.URL).CreateChatCompletionStream(context.Background(), &ChatCompletionRequest{
		Messages: userMessage("hello"),
	}, func(chunk *StreamChunk) error {
		text.WriteString(chunk.Text())
		return nil
	})
	if err != nil {
		t.Fatalf("CreateChatCompletionStream failed: %v", err)
	}
	if text.String() != "Hello" {
		t.Fatalf("expected Hello, got %q", text.String())
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Fatalf("expected backend usage, got %+v", usage)
	}
}

func TestClientStreamMidStreamFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer server.Close()

	var got []string
	_, err := testClient(server.URL).CreateChatCompletionStream(context.Background(), &ChatCompletionRequest{
		Messages: userMessage("hello"),
	}, func(chunk *StreamChunk) error {
		got = append(got, chunk.Text())
		return nil
	})
	if err == nil {
		t.Fatal("expected mid-stream error")
	}
	if len(got) != 1 || got[0] != "partial" {
		t.Fatalf("expected the delivered chunk before failure, got %v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("mid-stream failure must not be retried, got %d calls", calls.Load())
	}
}

func TestClientStreamRetriesConnection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	var text string
	usage, err := testClient(server.URL).CreateChatCompletionStream(context.Background(), &ChatCompletionRequest{
		Messages: userMessage("hello"),
	}, func(chunk *StreamChunk) error {
		text += chunk.Text()
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if text != "ok" || calls.Load() != 2 {
		t.Fatalf("text=%q calls=%d", text, calls.Load())
	}
	if usage.PromptTokens <= 0 || usage.CompletionTokens <= 0 {
		t.Fatalf("expected estimated usage, got %+v", usage)
	}
}

func TestClientStreamToolCallDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"vision_describe\",\"arguments\":\"{\\\"image_\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"url\\\":\\\"https://x/y.png\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var acc ToolCallAccumulator
	_, err := testClient(server.URL).CreateChatCompletionStream(context.Background(), &ChatCompletionRequest{
		Messages: userMessage("describe"),
	}, func(chunk *StreamChunk) error {
		acc.Add(chunk.ToolCallDeltas())
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	calls := acc.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	args, ok := calls[0].Function.Arguments.Map()
	if !ok || args["image_url"] != "https://x/y.png" {
		t.Fatalf("unexpected merged arguments %q", calls[0].Function.Arguments)
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "vision_describe" {
		t.Fatalf("unexpected call %+v", calls[0])
	}
}

func TestClientListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"qwen","object":"model"}]}`)
	}))
	defer server.Close()

	models, err := testClient(server.URL + "/v1").ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].ID != "qwen" {
		t.Fatalf("unexpected models: %+v", models)
	}
}
