// Package domain defines the core domain models for the local responses API.
package domain

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ResponseStatus represents the status of a response record.
type ResponseStatus string

const (
	ResponseStatusCompleted ResponseStatus = "completed"
	ResponseStatusError     ResponseStatus = "error"
)

// StreamEventType represents the type of a streamed turn event.
type StreamEventType string

const (
	StreamEventStart StreamEventType = "start"
	StreamEventDelta StreamEventType = "delta"
	StreamEventEnd   StreamEventType = "end"
	StreamEventError StreamEventType = "error"
)

// PartType is the type of a structured content part.
type PartType string

const (
	PartTypeText     PartType = "text"
	PartTypeImageURL PartType = "image_url"
)
