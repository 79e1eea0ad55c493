package domain

import (
	"encoding/json"
	"testing"
)

func TestContentUnmarshalString(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"hello"`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.IsMultimodal() || c.Text != "hello" {
		t.Fatalf("unexpected content: %+v", c)
	}
}

func TestContentUnmarshalParts(t *testing.T) {
	raw := `[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]`
	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !c.IsMultimodal() || len(c.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %+v", c)
	}
	if c.PlainText() != "what is this" {
		t.Fatalf("plain text = %q", c.PlainText())
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out[0] != '[' {
		t.Fatalf("multimodal content should marshal to an array, got %s", out)
	}
}

func TestContentUnmarshalRejectsObject(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`{"text":"x"}`), &c); err == nil {
		t.Fatal("expected error for object content")
	}
}

func TestTurnRequestContent(t *testing.T) {
	req := TurnRequest{InputText: "describe", InputImages: []string{"https://img/1.png"}}
	c := req.Content()
	if !c.IsMultimodal() || len(c.Parts) != 2 {
		t.Fatalf("expected text + image parts, got %+v", c)
	}
	if c.Parts[1].ImageURL == nil || c.Parts[1].ImageURL.URL != "https://img/1.png" {
		t.Fatalf("image part missing url: %+v", c.Parts[1])
	}

	if err := (TurnRequest{InputText: "  "}).Validate(); err != ErrEmptyInput {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if !(TurnRequest{}).ShouldStore() {
		t.Fatal("store should default to true")
	}
}

func TestUsage(t *testing.T) {
	u := NewUsage(10, -3)
	if u.PromptTokens != 10 || u.CompletionTokens != 0 || u.TotalTokens != 10 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	sum := u.Add(NewUsage(1, 2))
	if sum.TotalTokens != 13 {
		t.Fatalf("total = %d, want 13", sum.TotalTokens)
	}
}
