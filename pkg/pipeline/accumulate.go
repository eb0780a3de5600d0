package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Accumulator assembles fragmented tool calls across frames. Providers
// stream a call's id and name once and then drip the argument JSON as
// string fragments; the accumulator buffers per call index and emits a
// ToolCallCompleted for each buffer when the stream signals completion.
// It is owned by a single pipeline goroutine and needs no locking.
type Accumulator struct {
	buffers map[int]*toolBuffer
	order   []int
	last    int // index of the most recent delta, for frames that omit it
}

type toolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{buffers: make(map[int]*toolBuffer), last: -1}
}

// Feed passes one event through the accumulator. Tool-call deltas are
// absorbed and forwarded; terminal events are preceded by the completed
// calls they trigger. The returned slice preserves emission order.
func (a *Accumulator) Feed(ev protocol.Event) []protocol.Event {
	if ev.Type == protocol.EventPartialToolCallDelta {
		a.absorb(ev)
	}
	if ev.Type == protocol.EventStreamEnd || terminalReason(ev.FinishReason) {
		return append(a.Flush(), ev)
	}
	return []protocol.Event{ev}
}

func terminalReason(reason string) bool {
	return reason == "tool_calls" || reason == "stop"
}

func (a *Accumulator) absorb(ev protocol.Event) {
	index := a.last
	switch {
	case ev.Index != nil:
		index = *ev.Index
	case ev.ID != "":
		// A fresh id without an index starts the next call.
		index = len(a.order)
	case index < 0:
		index = 0
	}

	buf := a.buffers[index]
	if buf == nil {
		buf = &toolBuffer{}
		a.buffers[index] = buf
		a.order = append(a.order, index)
	}
	// First non-empty id and name win; later frames repeat or omit them.
	if buf.id == "" {
		buf.id = ev.ID
	}
	if buf.name == "" {
		buf.name = ev.Name
	}
	buf.args.WriteString(ev.ArgumentsFragment)
	a.last = index
}

// Flush completes every buffered call in arrival order and resets the
// accumulator. A buffer whose fragments never formed valid JSON produces
// an Error event instead of a completion.
func (a *Accumulator) Flush() []protocol.Event {
	var out []protocol.Event
	for _, index := range a.order {
		buf := a.buffers[index]
		args := buf.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			out = append(out, protocol.ErrorEvent(string(errcode.CodeInvalidRequest),
				fmt.Sprintf("tool call %d: accumulated arguments are not valid JSON", index)))
			continue
		}
		out = append(out, protocol.ToolCallCompletedEvent(index, buf.id, buf.name, json.RawMessage(args)))
	}
	a.buffers = make(map[int]*toolBuffer)
	a.order = nil
	a.last = -1
	return out
}
