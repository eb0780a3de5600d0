package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// eventMapManifest mirrors the shape providers with typed stream events
// declare: a rule per event type, matched on a discriminator field.
func eventMapManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		ID:              "claude-like",
		ProtocolVersion: "1.5",
		Endpoint: manifest.Endpoint{
			BaseURL: "https://api.claude-like.dev",
			Paths:   map[string]manifest.EndpointPath{"chat": {Path: "/v1/messages"}},
		},
		Streaming: &manifest.Streaming{
			Decoder: &manifest.Decoder{Format: "sse"},
			EventMap: []manifest.EventRule{
				{
					Match:  `$.type == "message_start"`,
					Emit:   "StreamStart",
					Fields: map[string]string{"model": "$.message.model"},
				},
				{
					Match:  `$.type == "content_block_start" && $.content_block.type == "tool_use"`,
					Emit:   "PartialToolCallDelta",
					Fields: map[string]string{"index": "$.index", "id": "$.content_block.id", "name": "$.content_block.name"},
				},
				{
					Match:  `$.type == "content_block_delta" && $.delta.type == "input_json_delta"`,
					Emit:   "PartialToolCallDelta",
					Fields: map[string]string{"index": "$.index", "arguments_fragment": "$.delta.partial_json"},
				},
				{
					Match:  `$.type == "content_block_delta"`,
					Emit:   "PartialContentDelta",
					Fields: map[string]string{"content": "$.delta.text"},
				},
				{
					Match:  `$.type == "message_delta"`,
					Emit:   "StreamEnd",
					Fields: map[string]string{"finish_reason": "$.delta.stop_reason", "output_tokens": "$.usage.output_tokens"},
				},
			},
		},
		Termination: &manifest.Termination{
			Mapping: map[string]string{"end_turn": "stop", "tool_use": "tool_calls"},
		},
	}
	m.SetDefaults()
	return m
}

func parseFrame(t *testing.T, data string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return doc
}

func TestRuleMapper_Events(t *testing.T) {
	rm, err := newRuleMapper(eventMapManifest())
	if err != nil {
		t.Fatalf("newRuleMapper() error = %v", err)
	}

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, events []protocol.Event)
	}{
		{
			name:  "message_start",
			frame: `{"type":"message_start","message":{"model":"claude-like-4"}}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 1 || events[0].Type != protocol.EventStreamStart {
					t.Fatalf("events = %+v", events)
				}
				if events[0].Model != "claude-like-4" {
					t.Errorf("Model = %q", events[0].Model)
				}
			},
		},
		{
			name:  "text_delta",
			frame: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 1 || events[0].Type != protocol.EventPartialContentDelta {
					t.Fatalf("events = %+v", events)
				}
				if events[0].Content != "Hello" {
					t.Errorf("Content = %q", events[0].Content)
				}
			},
		},
		{
			name:  "tool_use_start_matches_before_generic_delta",
			frame: `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"get_weather"}}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 1 || events[0].Type != protocol.EventPartialToolCallDelta {
					t.Fatalf("events = %+v", events)
				}
				ev := events[0]
				if ev.Index == nil || *ev.Index != 1 || ev.ID != "tu_1" || ev.Name != "get_weather" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name:  "input_json_delta",
			frame: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 1 || events[0].Type != protocol.EventPartialToolCallDelta {
					t.Fatalf("events = %+v", events)
				}
				if events[0].ArgumentsFragment != `{"city":` {
					t.Errorf("ArgumentsFragment = %q", events[0].ArgumentsFragment)
				}
			},
		},
		{
			name:  "message_delta_normalizes_finish_reason",
			frame: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 1 || events[0].Type != protocol.EventStreamEnd {
					t.Fatalf("events = %+v", events)
				}
				if events[0].FinishReason != "stop" {
					t.Errorf("FinishReason = %q, want stop", events[0].FinishReason)
				}
				if events[0].Usage == nil || events[0].Usage.CompletionTokens != 42 {
					t.Errorf("Usage = %+v", events[0].Usage)
				}
			},
		},
		{
			name:  "unmatched_frame_dropped",
			frame: `{"type":"ping"}`,
			check: func(t *testing.T, events []protocol.Event) {
				if len(events) != 0 {
					t.Fatalf("events = %+v, want none", events)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, rm.Map(parseFrame(t, tt.frame)))
		})
	}
}

func TestRuleMapper_BadExpressions(t *testing.T) {
	m := eventMapManifest()
	m.Streaming.EventMap = []manifest.EventRule{{Match: "", Emit: "StreamEnd"}}
	if _, err := newRuleMapper(m); err == nil {
		t.Error("empty match expression should fail compilation")
	}

	m = eventMapManifest()
	m.Streaming.EventMap[0].Fields = map[string]string{"model": "$.a[*]"}
	_, err := newRuleMapper(m)
	var cerr *errcode.Error
	if !errors.As(err, &cerr) || cerr.Code != errcode.CodeInvalidRequest {
		t.Errorf("err = %v, want invalid_request", err)
	}
}

func TestPathMapper_Defaults(t *testing.T) {
	m := &manifest.Manifest{ID: "openai-like", ProtocolVersion: "1.1"}
	pm, err := newPathMapper(m)
	if err != nil {
		t.Fatalf("newPathMapper() error = %v", err)
	}

	t.Run("content_delta", func(t *testing.T) {
		events := pm.Map(parseFrame(t, `{"choices":[{"delta":{"content":"Hi"}}]}`))
		if len(events) != 1 || events[0].Type != protocol.EventPartialContentDelta || events[0].Content != "Hi" {
			t.Fatalf("events = %+v", events)
		}
	})

	t.Run("role_only_delta_emits_nothing", func(t *testing.T) {
		events := pm.Map(parseFrame(t, `{"choices":[{"delta":{"role":"assistant"}}]}`))
		if len(events) != 0 {
			t.Fatalf("events = %+v, want none", events)
		}
	})

	t.Run("tool_call_delta", func(t *testing.T) {
		frame := `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`
		events := pm.Map(parseFrame(t, frame))
		if len(events) != 1 || events[0].Type != protocol.EventPartialToolCallDelta {
			t.Fatalf("events = %+v", events)
		}
		ev := events[0]
		if ev.ID != "call_1" || ev.Name != "lookup" || ev.ArgumentsFragment != `{"q":` {
			t.Errorf("event = %+v", ev)
		}
	})

	t.Run("finish_reason_ends_stream", func(t *testing.T) {
		events := pm.Map(parseFrame(t, `{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
		if len(events) != 1 || events[0].Type != protocol.EventStreamEnd {
			t.Fatalf("events = %+v", events)
		}
		if events[0].FinishReason != "stop" {
			t.Errorf("FinishReason = %q", events[0].FinishReason)
		}
	})

	t.Run("usage_frame", func(t *testing.T) {
		events := pm.Map(parseFrame(t, `{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
		if len(events) != 1 || events[0].Type != protocol.EventMetadata {
			t.Fatalf("events = %+v", events)
		}
		u := events[0].Usage
		if u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 || u.TotalTokens != 15 {
			t.Errorf("Usage = %+v", u)
		}
	})

	t.Run("content_and_finish_in_one_frame", func(t *testing.T) {
		events := pm.Map(parseFrame(t, `{"choices":[{"delta":{"content":"bye"},"finish_reason":"stop"}]}`))
		if len(events) != 2 {
			t.Fatalf("events = %+v, want delta then end", events)
		}
		if events[0].Type != protocol.EventPartialContentDelta || events[1].Type != protocol.EventStreamEnd {
			t.Errorf("order = %v, %v", events[0].Type, events[1].Type)
		}
	})
}

func TestPathMapper_CustomPathsAndStop(t *testing.T) {
	m := &manifest.Manifest{
		ID:              "local-runner",
		ProtocolVersion: "1.1",
		Streaming: &manifest.Streaming{
			ContentPath:   "$.message.content",
			StopCondition: "$.done == true",
		},
		Termination: &manifest.Termination{SourceField: "done_reason"},
	}
	pm, err := newPathMapper(m)
	if err != nil {
		t.Fatalf("newPathMapper() error = %v", err)
	}

	events := pm.Map(parseFrame(t, `{"message":{"content":"Hel"},"done":false}`))
	if len(events) != 1 || events[0].Content != "Hel" {
		t.Fatalf("events = %+v", events)
	}

	events = pm.Map(parseFrame(t, `{"message":{"content":""},"done":true,"done_reason":"stop"}`))
	if len(events) != 1 || events[0].Type != protocol.EventStreamEnd {
		t.Fatalf("events = %+v", events)
	}
	if events[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q", events[0].FinishReason)
	}
}

func TestToolDelta_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		element  string
		position int
		wantOK   bool
		check    func(t *testing.T, ev protocol.Event)
	}{
		{
			name:     "openai_function_envelope",
			element:  `{"index":2,"id":"call_9","function":{"name":"f","arguments":"{}"}}`,
			position: 0,
			wantOK:   true,
			check: func(t *testing.T, ev protocol.Event) {
				if *ev.Index != 2 || ev.ID != "call_9" || ev.Name != "f" || ev.ArgumentsFragment != "{}" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name:     "inline_name_and_string_arguments",
			element:  `{"name":"f","arguments":"{\"a\":1}"}`,
			position: 3,
			wantOK:   true,
			check: func(t *testing.T, ev protocol.Event) {
				if *ev.Index != 3 || ev.Name != "f" || ev.ArgumentsFragment != `{"a":1}` {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			name:     "object_arguments_marshalled",
			element:  `{"name":"f","args":{"a":1}}`,
			position: 0,
			wantOK:   true,
			check: func(t *testing.T, ev protocol.Event) {
				if ev.ArgumentsFragment != `{"a":1}` {
					t.Errorf("ArgumentsFragment = %q", ev.ArgumentsFragment)
				}
			},
		},
		{
			name:     "empty_element_skipped",
			element:  `{"index":0}`,
			position: 0,
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var el any
			if err := json.Unmarshal([]byte(tt.element), &el); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			ev, ok := toolDelta(el, tt.position)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestUsageFromValue_Spellings(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want protocol.Usage
	}{
		{
			name: "openai",
			doc:  `{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}`,
			want: protocol.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
		{
			name: "anthropic",
			doc:  `{"input_tokens":7,"output_tokens":3}`,
			want: protocol.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
		{
			name: "gemini",
			doc:  `{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}`,
			want: protocol.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc any
			if err := json.Unmarshal([]byte(tt.doc), &doc); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			got := usageFromValue(doc)
			if got == nil || *got != tt.want {
				t.Errorf("usageFromValue() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if usageFromValue("not a map") != nil {
		t.Error("non-object usage should return nil")
	}
	if usageFromValue(map[string]any{"other": 1.0}) != nil {
		t.Error("object without token fields should return nil")
	}
}
