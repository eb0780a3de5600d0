package protocol

import "encoding/json"

// Operation names the manifest endpoint a request targets.
const (
	OperationChat       = "chat"
	OperationEmbeddings = "embeddings"
)

// Tool describes a function the model may call. Parameters is a JSON
// Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a completed tool invocation request from the model.
// Arguments always holds valid JSON.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is the provider-agnostic call. It is treated as immutable once
// handed to a client; compilation reads it and never writes back.
type Request struct {
	Operation      string         `json:"operation,omitempty"`
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      *int           `json:"max_tokens,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
	ToolChoice     any            `json:"tool_choice,omitempty"`
	ResponseFormat any            `json:"response_format,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Op returns the request operation, defaulting to chat.
func (r *Request) Op() string {
	if r.Operation == "" {
		return OperationChat
	}
	return r.Operation
}

// HasImage reports whether any message carries image content.
func (r *Request) HasImage() bool {
	for _, m := range r.Messages {
		if m.ContainsImage() {
			return true
		}
	}
	return false
}

// HasAudio reports whether any message carries audio content.
func (r *Request) HasAudio() bool {
	for _, m := range r.Messages {
		if m.ContainsAudio() {
			return true
		}
	}
	return false
}

// Usage is the provider-reported token accounting. Providers disagree on
// field names; manifests map them into this shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Response is the unified result of a call. Raw preserves the provider
// payload (final JSON body, or nil for collected streams) for diagnostics.
type Response struct {
	Content      string          `json:"content"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}
