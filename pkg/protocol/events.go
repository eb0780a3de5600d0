package protocol

import "encoding/json"

// EventType discriminates streaming events. The names are part of the wire
// format: events serialize as {"type":"PartialContentDelta",...} and stay
// stable across releases.
type EventType string

const (
	EventStreamStart          EventType = "StreamStart"
	EventPartialContentDelta  EventType = "PartialContentDelta"
	EventPartialToolCallDelta EventType = "PartialToolCallDelta"
	EventToolCallCompleted    EventType = "ToolCallCompleted"
	EventMetadata             EventType = "Metadata"
	EventStreamEnd            EventType = "StreamEnd"
	EventError                EventType = "Error"
)

// Event is one element of the unified stream. Only the fields meaningful
// for its Type are populated. Index is a pointer so that tool-call index 0
// is distinguishable from absent.
type Event struct {
	Type EventType `json:"type"`

	// StreamStart
	Model string `json:"model,omitempty"`

	// PartialContentDelta
	Content string `json:"content,omitempty"`

	// PartialToolCallDelta / ToolCallCompleted
	Index             *int            `json:"index,omitempty"`
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name,omitempty"`
	ArgumentsFragment string          `json:"arguments_fragment,omitempty"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`

	// Metadata
	Usage *Usage `json:"usage,omitempty"`

	// StreamEnd
	FinishReason string `json:"finish_reason,omitempty"`

	// Error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func StreamStartEvent(model string) Event {
	return Event{Type: EventStreamStart, Model: model}
}

func ContentDeltaEvent(content string) Event {
	return Event{Type: EventPartialContentDelta, Content: content}
}

func ToolCallDeltaEvent(index int, id, name, fragment string) Event {
	return Event{Type: EventPartialToolCallDelta, Index: &index, ID: id, Name: name, ArgumentsFragment: fragment}
}

func ToolCallCompletedEvent(index int, id, name string, arguments json.RawMessage) Event {
	return Event{Type: EventToolCallCompleted, Index: &index, ID: id, Name: name, Arguments: arguments}
}

func MetadataEvent(usage *Usage) Event {
	return Event{Type: EventMetadata, Usage: usage}
}

func StreamEndEvent(finishReason string) Event {
	return Event{Type: EventStreamEnd, FinishReason: finishReason}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// IsTerminal reports whether the event closes the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventStreamEnd
}
