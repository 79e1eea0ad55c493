package domain

import "strings"

// TurnRequest is a client request for one conversational turn.
type TurnRequest struct {
	ThreadID           string   `json:"thread_id,omitempty"`
	PreviousResponseID string   `json:"previous_response_id,omitempty"`
	InputText          string   `json:"input_text"`
	InputImages        []string `json:"input_images,omitempty"`
	Store              *bool    `json:"store,omitempty"`
	Stream             bool     `json:"stream,omitempty"`
}

// ShouldStore reports whether messages of this turn are persisted.
// Defaults to true.
func (r TurnRequest) ShouldStore() bool {
	return r.Store == nil || *r.Store
}

// Validate checks the request shape.
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.InputText) == "" && len(r.InputImages) == 0 {
		return ErrEmptyInput
	}
	for _, u := range r.InputImages {
		if strings.TrimSpace(u) == "" {
			return ErrEmptyImageURL
		}
	}
	return nil
}

// Content builds the user message content: plain text, or text followed by
// image parts when images are attached.
func (r TurnRequest) Content() Content {
	if len(r.InputImages) == 0 {
		return TextContent(r.InputText)
	}
	parts := make([]ContentPart, 0, len(r.InputImages)+1)
	if strings.TrimSpace(r.InputText) != "" {
		parts = append(parts, TextPart(r.InputText))
	}
	for _, u := range r.InputImages {
		parts = append(parts, ImagePart(u))
	}
	return PartsContent(parts...)
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	ResponseID string         `json:"response_id"`
	ThreadID   string         `json:"thread_id"`
	OutputText string         `json:"output_text"`
	Status     ResponseStatus `json:"status"`
	Usage      Usage          `json:"usage"`
}

// ErrorResponse is the body returned to clients for failed requests.
type ErrorResponse struct {
	Error      string `json:"error"`
	TraceID    string `json:"trace_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
}
