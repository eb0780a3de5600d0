package client

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/manifold/pkg/pipeline"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Chat starts a fluent chat request against this client.
func (c *Client) Chat() *ChatBuilder {
	return &ChatBuilder{client: c}
}

// ChatBuilder accumulates a chat request. Zero-value fields are left
// off the wire; the model defaults to the client's own.
type ChatBuilder struct {
	client *Client
	req    protocol.Request
}

// Model overrides the model for this request only.
func (b *ChatBuilder) Model(model string) *ChatBuilder {
	b.req.Model = model
	return b
}

// System appends a system message.
func (b *ChatBuilder) System(content string) *ChatBuilder {
	b.req.Messages = append(b.req.Messages, protocol.NewSystemMessage(content))
	return b
}

// User appends a user message.
func (b *ChatBuilder) User(content string) *ChatBuilder {
	b.req.Messages = append(b.req.Messages, protocol.NewUserMessage(content))
	return b
}

// Assistant appends an assistant message.
func (b *ChatBuilder) Assistant(content string) *ChatBuilder {
	b.req.Messages = append(b.req.Messages, protocol.NewAssistantMessage(content))
	return b
}

// Messages appends pre-built messages, multimodal ones included.
func (b *ChatBuilder) Messages(msgs ...protocol.Message) *ChatBuilder {
	b.req.Messages = append(b.req.Messages, msgs...)
	return b
}

// Temperature sets the sampling temperature.
func (b *ChatBuilder) Temperature(t float64) *ChatBuilder {
	b.req.Temperature = &t
	return b
}

// MaxTokens caps the completion length.
func (b *ChatBuilder) MaxTokens(n int) *ChatBuilder {
	b.req.MaxTokens = &n
	return b
}

// Tools declares the tools the model may call.
func (b *ChatBuilder) Tools(tools ...protocol.Tool) *ChatBuilder {
	b.req.Tools = append(b.req.Tools, tools...)
	return b
}

// ToolChoice sets the provider's tool-choice directive.
func (b *ChatBuilder) ToolChoice(v any) *ChatBuilder {
	b.req.ToolChoice = v
	return b
}

// Stream marks the request for streaming execution. Execute then
// collects the stream; Events exposes it raw.
func (b *ChatBuilder) Stream() *ChatBuilder {
	b.req.Stream = true
	return b
}

// Request materializes the accumulated request.
func (b *ChatBuilder) Request() *protocol.Request {
	req := b.req
	if req.Model == "" {
		req.Model = b.client.modelID
	}
	return &req
}

// Execute runs the request and returns the collected response. A
// request marked Stream is executed as a stream and folded back into a
// Response, so callers get streaming resilience semantics with a
// non-streaming result shape.
func (b *ChatBuilder) Execute(ctx context.Context) (*protocol.Response, error) {
	req := b.Request()
	if !req.Stream {
		return b.client.Invoke(ctx, req)
	}
	events, err := b.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return pipeline.CollectStream(ctx, events)
}

// Events runs the request as a stream and returns the raw event
// channel. The Stream flag is implied.
func (b *ChatBuilder) Events(ctx context.Context) (<-chan protocol.Event, error) {
	req := b.Request()
	req.Stream = true
	return b.client.Stream(ctx, req)
}

// BatchResult is one outcome of a batch, in submission order.
type BatchResult struct {
	Response *protocol.Response
	Err      error
}

// Batch runs the requests concurrently, at most limit in flight, and
// returns results in submission order. Items fail independently; one
// bad request never cancels its siblings.
func (c *Client) Batch(ctx context.Context, reqs []*protocol.Request, limit int) []BatchResult {
	if limit <= 0 {
		limit = smartConcurrency(len(reqs))
	}
	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := c.Invoke(ctx, req)
			results[i] = BatchResult{Response: resp, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// BatchSmart is Batch with concurrency picked from the batch size:
// small batches run sequentially, large ones cap at ten.
func (c *Client) BatchSmart(ctx context.Context, reqs []*protocol.Request) []BatchResult {
	return c.Batch(ctx, reqs, smartConcurrency(len(reqs)))
}

func smartConcurrency(n int) int {
	if v, ok := envInt(EnvBatchConcurrency); ok && v > 0 {
		return int(v)
	}
	switch {
	case n <= 3:
		return 1
	case n <= 10:
		return 5
	default:
		return 10
	}
}
