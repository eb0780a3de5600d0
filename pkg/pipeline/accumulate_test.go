package pipeline

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

func completions(events []protocol.Event) []protocol.Event {
	var out []protocol.Event
	for _, ev := range events {
		if ev.Type == protocol.EventToolCallCompleted {
			out = append(out, ev)
		}
	}
	return out
}

func TestAccumulator_AssemblesFragments(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_abc123", "get_weather", ""))
	for _, fragment := range []string{`{"loc`, `ation":`, ` "Tok`, `yo"}`} {
		acc.Feed(protocol.ToolCallDeltaEvent(0, "", "", fragment))
	}

	out := acc.Feed(protocol.StreamEndEvent("tool_calls"))
	done := completions(out)
	if len(done) != 1 {
		t.Fatalf("completions = %+v, want exactly one", out)
	}
	ev := done[0]
	if *ev.Index != 0 || ev.ID != "call_abc123" || ev.Name != "get_weather" {
		t.Errorf("event = %+v", ev)
	}
	var args map[string]any
	if err := json.Unmarshal(ev.Arguments, &args); err != nil {
		t.Fatalf("arguments are not JSON: %v", err)
	}
	if !reflect.DeepEqual(args, map[string]any{"location": "Tokyo"}) {
		t.Errorf("arguments = %v", args)
	}
	if out[len(out)-1].Type != protocol.EventStreamEnd {
		t.Errorf("last event = %v, want StreamEnd", out[len(out)-1].Type)
	}
}

func TestAccumulator_FirstIDAndNameWin(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_1", "lookup", "{"))
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_other", "other", "}"))

	done := completions(acc.Feed(protocol.StreamEndEvent("stop")))
	if len(done) != 1 {
		t.Fatalf("completions = %+v", done)
	}
	if done[0].ID != "call_1" || done[0].Name != "lookup" {
		t.Errorf("event = %+v, repeated frames must not overwrite identity", done[0])
	}
}

func TestAccumulator_MissingIndex(t *testing.T) {
	delta := func(id, name, fragment string) protocol.Event {
		return protocol.Event{
			Type: protocol.EventPartialToolCallDelta,
			ID:   id, Name: name, ArgumentsFragment: fragment,
		}
	}

	acc := NewAccumulator()
	// A fresh id opens a call, fragments without id or index follow it.
	acc.Feed(delta("call_1", "first", `{"a":`))
	acc.Feed(delta("", "", "1}"))
	acc.Feed(delta("call_2", "second", `{"b":`))
	acc.Feed(delta("", "", "2}"))

	done := completions(acc.Feed(protocol.StreamEndEvent("tool_calls")))
	if len(done) != 2 {
		t.Fatalf("completions = %+v, want two", done)
	}
	if string(done[0].Arguments) != `{"a":1}` || done[0].Name != "first" {
		t.Errorf("first = %+v", done[0])
	}
	if string(done[1].Arguments) != `{"b":2}` || done[1].Name != "second" {
		t.Errorf("second = %+v", done[1])
	}
}

func TestAccumulator_InterleavedParallelCalls(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_a", "alpha", `{"x"`))
	acc.Feed(protocol.ToolCallDeltaEvent(1, "call_b", "beta", `{"y"`))
	acc.Feed(protocol.ToolCallDeltaEvent(0, "", "", `:1}`))
	acc.Feed(protocol.ToolCallDeltaEvent(1, "", "", `:2}`))

	done := completions(acc.Feed(protocol.StreamEndEvent("tool_calls")))
	if len(done) != 2 {
		t.Fatalf("completions = %+v, want two", done)
	}
	if done[0].ID != "call_a" || string(done[0].Arguments) != `{"x":1}` {
		t.Errorf("first = %+v", done[0])
	}
	if done[1].ID != "call_b" || string(done[1].Arguments) != `{"y":2}` {
		t.Errorf("second = %+v", done[1])
	}
}

func TestAccumulator_EmptyArgumentsBecomeObject(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_1", "noop", ""))

	done := completions(acc.Feed(protocol.StreamEndEvent("tool_calls")))
	if len(done) != 1 || string(done[0].Arguments) != "{}" {
		t.Fatalf("completions = %+v, want single call with empty object", done)
	}
}

func TestAccumulator_InvalidJSONDropsCall(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_1", "broken", `{"a":`))

	out := acc.Feed(protocol.StreamEndEvent("tool_calls"))
	if len(completions(out)) != 0 {
		t.Fatalf("out = %+v, want no completions", out)
	}
	var sawError bool
	for _, ev := range out {
		if ev.Type == protocol.EventError {
			sawError = true
			if ev.Code != string(errcode.CodeInvalidRequest) {
				t.Errorf("Code = %q", ev.Code)
			}
		}
	}
	if !sawError {
		t.Errorf("out = %+v, want an Error event", out)
	}
	if out[len(out)-1].Type != protocol.EventStreamEnd {
		t.Errorf("stream must still end after a dropped call")
	}
}

func TestAccumulator_FlushResets(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(protocol.ToolCallDeltaEvent(0, "call_1", "f", "{}"))
	if got := len(completions(acc.Feed(protocol.StreamEndEvent("tool_calls")))); got != 1 {
		t.Fatalf("first flush completions = %d", got)
	}
	// A second terminal event must not replay the first call.
	if got := len(completions(acc.Feed(protocol.StreamEndEvent("stop")))); got != 0 {
		t.Errorf("second flush completions = %d, want 0", got)
	}
}

func TestAccumulator_NonToolEventsPassThrough(t *testing.T) {
	acc := NewAccumulator()
	out := acc.Feed(protocol.ContentDeltaEvent("Hello"))
	if len(out) != 1 || out[0].Content != "Hello" {
		t.Fatalf("out = %+v", out)
	}
}

func TestAccumulator_FragmentAssemblyProperty(t *testing.T) {
	const args = `{"location":"Tokyo","unit":"celsius","days":3}`
	var want map[string]any
	if err := json.Unmarshal([]byte(args), &want); err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("any fragmentation assembles to the same call", prop.ForAll(
		func(cuts int, seed int64) bool {
			fragments := splitAt(args, cuts, seed)

			acc := NewAccumulator()
			acc.Feed(protocol.ToolCallDeltaEvent(0, "call_abc123", "get_weather", fragments[0]))
			for _, fragment := range fragments[1:] {
				acc.Feed(protocol.ToolCallDeltaEvent(0, "", "", fragment))
			}
			done := completions(acc.Feed(protocol.StreamEndEvent("tool_calls")))
			if len(done) != 1 {
				return false
			}
			var got map[string]any
			if err := json.Unmarshal(done[0].Arguments, &got); err != nil {
				return false
			}
			return done[0].ID == "call_abc123" && reflect.DeepEqual(got, want)
		},
		gen.IntRange(0, 12),
		gen.Int64Range(0, 1<<62),
	))
	properties.TestingRun(t)
}

// splitAt cuts s into cuts+1 fragments at positions drawn from seed.
func splitAt(s string, cuts int, seed int64) []string {
	rng := rand.New(rand.NewSource(seed))
	points := make([]int, 0, cuts)
	for i := 0; i < cuts; i++ {
		points = append(points, 1+rng.Intn(len(s)-1))
	}
	sort.Ints(points)

	var fragments []string
	prev := 0
	for _, p := range points {
		fragments = append(fragments, s[prev:p])
		prev = p
	}
	return append(fragments, s[prev:])
}
