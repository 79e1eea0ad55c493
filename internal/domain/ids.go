package domain

import "github.com/google/uuid"

// NewThreadID generates a thread id.
func NewThreadID() string { return "thr_" + uuid.New().String() }

// NewMessageID generates a message id.
func NewMessageID() string { return "msg_" + uuid.New().String() }

// NewResponseID generates a response id.
func NewResponseID() string { return "resp_" + uuid.New().String() }

// NewTraceID generates a trace id for error correlation.
func NewTraceID() string { return "trace_" + uuid.New().String()[:12] }

// NewToolCallID generates a tool call id when the backend omits one.
func NewToolCallID() string { return "call_" + uuid.New().String()[:8] }
