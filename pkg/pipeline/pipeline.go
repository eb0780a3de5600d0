package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/jsonpath"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Streams are bursty; the buffer absorbs emitter spikes without making
// a slow consumer drop events.
const eventBuffer = 100

// Pipeline is a compiled stream decoder for one provider. Construction
// does all the parsing of paths and predicates; Run is allocation-light
// and safe to call concurrently, each call owning its own accumulator.
type Pipeline struct {
	provider string
	decoder  *manifest.Decoder
	mapper   Mapper
	selector *jsonpath.Path
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New compiles the manifest's streaming declaration into a pipeline.
func New(m *manifest.Manifest, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{provider: m.ID, logger: slog.Default()}

	if m.Streaming != nil {
		p.decoder = m.Streaming.Decoder
		if p.decoder == nil && m.Streaming.EventFormat != "" {
			p.decoder = &manifest.Decoder{Format: m.Streaming.EventFormat}
		}
		if m.Streaming.FrameSelector != "" {
			selector, err := jsonpath.Parse(m.Streaming.FrameSelector)
			if err != nil {
				return nil, errcode.Newf(errcode.CodeInvalidRequest,
					"manifest %s: bad frame_selector: %v", m.ID, err)
			}
			p.selector = selector
		}
	}

	mapper, err := newMapper(m)
	if err != nil {
		return nil, err
	}
	p.mapper = mapper

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run decodes the body into typed events. The channel closes when the
// stream ends or the context is cancelled. Every well-formed stream
// yields exactly one StreamEnd; a transport failure mid-stream yields a
// terminal Error event with no StreamEnd after it.
func (p *Pipeline) Run(ctx context.Context, body io.Reader) <-chan protocol.Event {
	events := make(chan protocol.Event, eventBuffer)
	go p.run(ctx, body, events)
	return events
}

func (p *Pipeline) run(ctx context.Context, body io.Reader, events chan<- protocol.Event) {
	defer close(events)

	decoder := NewDecoder(body, p.decoder)
	acc := NewAccumulator()
	var pendingEnd *protocol.Event

	emit := func(ev protocol.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	forward := func(ev protocol.Event) bool {
		for _, out := range acc.Feed(ev) {
			if !emit(out) {
				return false
			}
		}
		return true
	}
	// settle closes out the stream: completed tool calls first, then the
	// single StreamEnd, carrying whatever finish reason was mapped.
	settle := func() {
		end := protocol.StreamEndEvent("")
		if pendingEnd != nil {
			end = *pendingEnd
		}
		forward(end)
	}

	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			settle()
			return
		}
		if err != nil {
			classified := errcode.FromTransport(err)
			p.logger.Warn("stream transport failed",
				"provider", p.provider, "code", string(classified.Code), "error", err)
			emit(protocol.ErrorEvent(string(classified.Code), classified.Message))
			return
		}
		if frame.Done {
			settle()
			return
		}

		var doc any
		if err := json.Unmarshal([]byte(frame.Data), &doc); err != nil {
			p.logger.Warn("skipping malformed stream frame", "provider", p.provider, "error", err)
			if !emit(protocol.ErrorEvent(string(errcode.CodeServerError), "stream frame is not valid JSON")) {
				return
			}
			continue
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			p.logger.Warn("skipping non-object stream frame", "provider", p.provider)
			continue
		}
		if p.selector != nil {
			if selected, ok := p.selector.Get(obj); ok {
				if sub, ok := selected.(map[string]any); ok {
					obj = sub
				}
			}
		}

		for _, ev := range p.mapper.Map(obj) {
			if ev.Type == protocol.EventStreamEnd {
				// Hold the end until the wire settles. Several providers
				// send usage frames after the finish reason, and the end
				// event must come last.
				if pendingEnd == nil {
					held := ev
					pendingEnd = &held
				} else {
					if pendingEnd.FinishReason == "" {
						pendingEnd.FinishReason = ev.FinishReason
					}
					if pendingEnd.Usage == nil {
						pendingEnd.Usage = ev.Usage
					}
				}
				continue
			}
			if !forward(ev) {
				return
			}
		}
	}
}
