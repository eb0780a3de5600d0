package pipeline

import (
	"context"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Collect folds a finished event sequence into a single response. It is
// a pure function of its input, which makes the streaming and blocking
// paths converge on the same response shape.
//
// Error events followed by further progress were recoverable in place
// and do not fail the fold; a stream that died without reaching
// StreamEnd surfaces its last error instead of a response.
func Collect(events []protocol.Event) (*protocol.Response, error) {
	var content strings.Builder
	var toolCalls []protocol.ToolCall
	var usage *protocol.Usage
	var finishReason string
	var errCode, errMessage string
	failed := false
	ended := false

	for _, ev := range events {
		switch ev.Type {
		case protocol.EventPartialContentDelta:
			content.WriteString(ev.Content)
		case protocol.EventToolCallCompleted:
			toolCalls = append(toolCalls, protocol.ToolCall{
				ID:        ev.ID,
				Name:      ev.Name,
				Arguments: ev.Arguments,
			})
		case protocol.EventMetadata:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case protocol.EventStreamEnd:
			ended = true
			if ev.FinishReason != "" {
				finishReason = ev.FinishReason
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case protocol.EventError:
			failed = true
			errCode, errMessage = ev.Code, ev.Message
		}
	}

	if !ended && failed {
		code := errcode.Code(errCode)
		if !code.Valid() {
			code = errcode.CodeUnknown
		}
		return nil, errcode.New(code, errMessage)
	}

	if finishReason == "" && len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}
	return &protocol.Response{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		Usage:        usage,
		FinishReason: finishReason,
	}, nil
}

// CollectStream drains a pipeline channel and folds it with Collect.
// Cancellation aborts the drain and surfaces the context error.
func CollectStream(ctx context.Context, events <-chan protocol.Event) (*protocol.Response, error) {
	var seen []protocol.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Collect(seen)
			}
			seen = append(seen, ev)
		case <-ctx.Done():
			return nil, errcode.FromTransport(ctx.Err())
		}
	}
}
