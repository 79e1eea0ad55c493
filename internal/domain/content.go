package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ImageURL points at an image, either remote or a data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Content is either plain text or an ordered list of typed parts.
// It marshals to a JSON string or a JSON array respectively.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps plain text.
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent wraps structured parts.
func PartsContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// TextPart builds a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// ImagePart builds an image_url part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartTypeImageURL, ImageURL: &ImageURL{URL: url}}
}

// IsMultimodal reports whether the content is a parts list.
func (c Content) IsMultimodal() bool {
	return c.Parts != nil
}

// IsEmpty reports whether the content carries nothing at all.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// PlainText flattens the content to text. Non-text parts are dropped and
// text parts are joined with newlines.
func (c Content) PlainText() string {
	if !c.IsMultimodal() {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Preview returns at most n runes of the plain text.
func (c Content) Preview(n int) string {
	r := []rune(strings.TrimSpace(c.PlainText()))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultimodal() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	}
	return fmt.Errorf("content must be a string or an array of parts")
}
