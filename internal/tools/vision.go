package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
)

const (
	VisionToolName = "vision_describe"

	visionMaxTokens = 512

	visionInstruction = "You are a vision assistant. Analyze the provided image and reply ONLY with compact JSON having keys: " +
		"summary (string), objects (array of strings), detected_text (array of strings), tags (array of strings)."
	visionOCRSuffix    = " Focus on extracting visible text into detected_text and short summary."
	visionLayoutSuffix = " Focus on layout/objects list; detected_text only if clearly visible."
)

// VisionResult is the normalized reply of the vision backend.
type VisionResult struct {
	Summary      string   `json:"summary"`
	Objects      []string `json:"objects"`
	DetectedText []string `json:"detected_text"`
	Tags         []string `json:"tags"`
}

// VisionDescribeTool describes an image through a multimodal backend.
type VisionDescribeTool struct {
	client llm.LLMClient
	model  string
	logger *zap.Logger
}

// NewVisionDescribeTool creates the tool. The client should point at the
// vision backend; model overrides its default model when set.
func NewVisionDescribeTool(client llm.LLMClient, model string, logger *zap.Logger) *VisionDescribeTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisionDescribeTool{client: client, model: model, logger: logger}
}

func (t *VisionDescribeTool) Name() string { return VisionToolName }

func (t *VisionDescribeTool) Description() string {
	return "Describe an image: summary, visible objects, detected text and tags."
}

func (t *VisionDescribeTool) Schema() Schema {
	closed := false
	return Schema{
		Type: "object",
		Properties: map[string]Property{
			"image_url": {Type: "string", Description: "Publicly reachable image URL"},
			"task": {
				Type:        "string",
				Enum:        []any{"general", "ocr", "layout"},
				Default:     "general",
				Description: "Description mode: general, OCR text extraction, or layout analysis",
			},
		},
		Required:             []string{"image_url"},
		AdditionalProperties: &closed,
	}
}

// Invoke expects validated args.
func (t *VisionDescribeTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	imageURL, _ := args["image_url"].(string)
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, &InvalidArgumentsError{Tool: VisionToolName, Reason: "image_url must not be empty"}
	}
	task, _ := args["task"].(string)

	instruction := visionInstruction
	switch task {
	case "ocr":
		instruction += visionOCRSuffix
	case "layout":
		instruction += visionLayoutSuffix
	}

	temperature := 0.0
	maxTokens := visionMaxTokens
	req := &llm.ChatCompletionRequest{
		Model: t.model,
		Messages: []llm.ChatMessage{{
			Role:    domain.RoleUser,
			Content: domain.PartsContent(domain.TextPart(instruction), domain.ImagePart(imageURL)),
		}},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}

	start := time.Now()
	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		t.logger.Error("tool_call_http_error",
			zap.String("tool", VisionToolName),
			zap.String("model", t.model),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.Error(err))
		return nil, fmt.Errorf("vision backend: %w", err)
	}
	t.logger.Info("tool_call_http",
		zap.String("tool", VisionToolName),
		zap.String("model", t.model),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()))

	return ParseVisionReply(resp.Text()), nil
}

// ParseVisionReply reads the model's JSON reply. It accepts a bare JSON
// object, the widest {...} span inside prose, or falls back to using the
// whole text as the summary.
func ParseVisionReply(text string) VisionResult {
	obj, ok := jsonObject(text)
	if !ok {
		return VisionResult{
			Summary:      strings.TrimSpace(text),
			Objects:      []string{},
			DetectedText: []string{},
			Tags:         []string{},
		}
	}
	return VisionResult{
		Summary:      strings.TrimSpace(scalarString(obj.Get("summary"))),
		Objects:      asList(obj.Get("objects")),
		DetectedText: asList(obj.Get("detected_text")),
		Tags:         asList(obj.Get("tags")),
	}
}

func jsonObject(text string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(text)
	if gjson.Valid(trimmed) {
		if r := gjson.Parse(trimmed); r.IsObject() {
			return r, true
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	span := text[start : end+1]
	if !gjson.Valid(span) {
		return gjson.Result{}, false
	}
	r := gjson.Parse(span)
	return r, r.IsObject()
}

func scalarString(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

// asList coerces a value to a list of strings: arrays map element-wise,
// null or missing becomes empty, anything else a single element.
func asList(r gjson.Result) []string {
	if !r.Exists() || r.Type == gjson.Null {
		return []string{}
	}
	if !r.IsArray() {
		return []string{r.String()}
	}
	items := r.Array()
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.String())
	}
	return out
}
