package domain

// StreamEvent is one event of a streamed turn.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	ResponseID string          `json:"response_id,omitempty"`
	ThreadID   string          `json:"thread_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Message    string          `json:"message,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// StartEvent announces the response and thread ids.
func StartEvent(responseID, threadID string) StreamEvent {
	return StreamEvent{Type: StreamEventStart, ResponseID: responseID, ThreadID: threadID}
}

// DeltaEvent carries an incremental text fragment.
func DeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: StreamEventDelta, Text: text}
}

// EndEvent closes a successful stream.
func EndEvent(usage Usage) StreamEvent {
	return StreamEvent{Type: StreamEventEnd, Usage: &usage}
}

// ErrorEvent closes a failed stream.
func ErrorEvent(message, traceID string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Message: message, TraceID: traceID}
}
