package pipeline

import (
	"encoding/json"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/jsonpath"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Mapper turns one parsed frame into zero or more typed events.
type Mapper interface {
	Map(doc map[string]any) []protocol.Event
}

func newMapper(m *manifest.Manifest) (Mapper, error) {
	if m.Streaming != nil && len(m.Streaming.EventMap) > 0 {
		return newRuleMapper(m)
	}
	return newPathMapper(m)
}

// ruleMapper drives event emission from the manifest's event_map. Rules
// are compiled once at pipeline construction; per-frame work is predicate
// evaluation and path lookups only.
type ruleMapper struct {
	rules     []compiledRule
	normalize func(string) string
}

type compiledRule struct {
	match  *jsonpath.Predicate
	emit   protocol.EventType
	fields map[string]*jsonpath.Path
}

func newRuleMapper(m *manifest.Manifest) (*ruleMapper, error) {
	rm := &ruleMapper{normalize: m.NormalizeFinishReason}
	for i, rule := range m.Streaming.EventMap {
		pred, err := jsonpath.ParsePredicate(rule.Match)
		if err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest,
				"manifest %s: event_map[%d]: bad match expression: %v", m.ID, i, err)
		}
		compiled := compiledRule{match: pred, emit: protocol.EventType(rule.Emit)}
		if len(rule.Fields) > 0 {
			compiled.fields = make(map[string]*jsonpath.Path, len(rule.Fields))
			for name, expr := range rule.Fields {
				path, err := jsonpath.Parse(expr)
				if err != nil {
					return nil, errcode.Newf(errcode.CodeInvalidRequest,
						"manifest %s: event_map[%d]: bad path for field %s: %v", m.ID, i, name, err)
				}
				compiled.fields[name] = path
			}
		}
		rm.rules = append(rm.rules, compiled)
	}
	return rm, nil
}

func (rm *ruleMapper) Map(doc map[string]any) []protocol.Event {
	for _, rule := range rm.rules {
		if !rule.match.Matches(doc) {
			continue
		}
		ev := protocol.Event{Type: rule.emit}
		for name, path := range rule.fields {
			value, ok := path.Get(doc)
			if !ok {
				continue
			}
			setEventField(&ev, name, value)
		}
		if ev.Type == protocol.EventStreamEnd {
			ev.FinishReason = rm.normalize(ev.FinishReason)
		}
		return []protocol.Event{ev}
	}
	return nil
}

// setEventField binds an extracted value onto the event under its
// canonical field name. The name set mirrors what manifests declare;
// unknown names are dropped rather than failing the stream.
func setEventField(ev *protocol.Event, name string, value any) {
	switch name {
	case "content", "text", "delta":
		if s, ok := value.(string); ok {
			ev.Content = s
		}
	case "index":
		if f, ok := value.(float64); ok {
			i := int(f)
			ev.Index = &i
		}
	case "id", "tool_call_id":
		if s, ok := value.(string); ok {
			ev.ID = s
		}
	case "name", "tool_name":
		if s, ok := value.(string); ok {
			ev.Name = s
		}
	case "arguments_fragment":
		if s, ok := value.(string); ok {
			ev.ArgumentsFragment = s
		}
	case "arguments":
		switch v := value.(type) {
		case string:
			ev.ArgumentsFragment = v
		default:
			if raw, err := json.Marshal(v); err == nil {
				ev.Arguments = raw
			}
		}
	case "model":
		if s, ok := value.(string); ok {
			ev.Model = s
		}
	case "finish_reason", "stop_reason":
		if s, ok := value.(string); ok {
			ev.FinishReason = s
		}
	case "usage":
		if u := usageFromValue(value); u != nil {
			ev.Usage = u
		}
	case "prompt_tokens", "input_tokens":
		setUsageField(ev, value, func(u *protocol.Usage, n int) { u.PromptTokens = n })
	case "completion_tokens", "output_tokens":
		setUsageField(ev, value, func(u *protocol.Usage, n int) { u.CompletionTokens = n })
	case "total_tokens":
		setUsageField(ev, value, func(u *protocol.Usage, n int) { u.TotalTokens = n })
	case "code":
		if s, ok := value.(string); ok {
			ev.Code = s
		}
	case "message":
		if s, ok := value.(string); ok {
			ev.Message = s
		}
	}
}

func setUsageField(ev *protocol.Event, value any, assign func(*protocol.Usage, int)) {
	f, ok := value.(float64)
	if !ok {
		return
	}
	if ev.Usage == nil {
		ev.Usage = &protocol.Usage{}
	}
	assign(ev.Usage, int(f))
	if ev.Usage.TotalTokens == 0 {
		ev.Usage.TotalTokens = ev.Usage.PromptTokens + ev.Usage.CompletionTokens
	}
}

// pathMapper is the default emitter for manifests without an event_map.
// It reads the OpenAI-compatible delta shape, overridable through the
// manifest's streaming paths.
type pathMapper struct {
	content   *jsonpath.Path
	toolCalls *jsonpath.Path
	usage     *jsonpath.Path
	finish    *jsonpath.Path
	stop      *jsonpath.Predicate
	normalize func(string) string
}

const (
	defaultContentPath  = "$.choices[0].delta.content"
	defaultToolCallPath = "$.choices[0].delta.tool_calls"
	defaultUsagePath    = "$.usage"
)

func newPathMapper(m *manifest.Manifest) (*pathMapper, error) {
	contentPath := defaultContentPath
	toolCallPath := defaultToolCallPath
	usagePath := defaultUsagePath
	stopCondition := ""
	if m.Streaming != nil {
		if m.Streaming.ContentPath != "" {
			contentPath = m.Streaming.ContentPath
		}
		if m.Streaming.ToolCallPath != "" {
			toolCallPath = m.Streaming.ToolCallPath
		}
		if m.Streaming.UsagePath != "" {
			usagePath = m.Streaming.UsagePath
		}
		stopCondition = m.Streaming.StopCondition
	}

	pm := &pathMapper{normalize: m.NormalizeFinishReason}
	var err error
	if pm.content, err = jsonpath.Parse(contentPath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad content_path: %v", m.ID, err)
	}
	if pm.toolCalls, err = jsonpath.Parse(toolCallPath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad tool_call_path: %v", m.ID, err)
	}
	if pm.usage, err = jsonpath.Parse(usagePath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad usage_path: %v", m.ID, err)
	}
	if pm.finish, err = jsonpath.Parse(m.FinishReasonPath()); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad finish reason path: %v", m.ID, err)
	}
	if stopCondition != "" {
		if pm.stop, err = jsonpath.ParsePredicate(stopCondition); err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad stop_condition: %v", m.ID, err)
		}
	}
	return pm, nil
}

func (pm *pathMapper) Map(doc map[string]any) []protocol.Event {
	var events []protocol.Event

	if content, ok := pm.content.GetString(doc); ok && content != "" {
		events = append(events, protocol.ContentDeltaEvent(content))
	}

	if calls, ok := pm.toolCalls.Get(doc); ok {
		if list, ok := calls.([]any); ok {
			for position, el := range list {
				if ev, ok := toolDelta(el, position); ok {
					events = append(events, ev)
				}
			}
		}
	}

	if usage, ok := pm.usage.Get(doc); ok {
		if u := usageFromValue(usage); u != nil {
			events = append(events, protocol.MetadataEvent(u))
		}
	}

	finish, _ := pm.finish.GetString(doc)
	ended := finish != ""
	if pm.stop != nil && pm.stop.Matches(doc) {
		ended = true
	}
	if ended {
		events = append(events, protocol.StreamEndEvent(pm.normalize(finish)))
	}
	return events
}

// toolDelta reads one element of a streamed tool_calls array. Providers
// disagree on the envelope: OpenAI nests name and arguments under
// "function", others inline them; the index field is optional and falls
// back to array position.
func toolDelta(el any, position int) (protocol.Event, bool) {
	doc, ok := el.(map[string]any)
	if !ok {
		return protocol.Event{}, false
	}
	index := position
	if f, ok := doc["index"].(float64); ok {
		index = int(f)
	}
	id, _ := doc["id"].(string)
	var name, fragment string
	if fn, ok := doc["function"].(map[string]any); ok {
		name, _ = fn["name"].(string)
		fragment, _ = fn["arguments"].(string)
	}
	if name == "" {
		name, _ = doc["name"].(string)
	}
	if fragment == "" {
		for _, key := range []string{"arguments", "args", "input"} {
			switch v := doc[key].(type) {
			case string:
				fragment = v
			case map[string]any:
				if raw, err := json.Marshal(v); err == nil {
					fragment = string(raw)
				}
			}
			if fragment != "" {
				break
			}
		}
	}
	if id == "" && name == "" && fragment == "" {
		return protocol.Event{}, false
	}
	return protocol.ToolCallDeltaEvent(index, id, name, fragment), true
}

// usageFromValue reads token accounting out of a provider usage object,
// accepting the field spellings in the wild.
func usageFromValue(value any) *protocol.Usage {
	doc, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	found := false
	read := func(keys ...string) int {
		for _, k := range keys {
			if f, ok := doc[k].(float64); ok {
				found = true
				return int(f)
			}
		}
		return 0
	}
	u := &protocol.Usage{
		PromptTokens:     read("prompt_tokens", "input_tokens", "promptTokenCount"),
		CompletionTokens: read("completion_tokens", "output_tokens", "candidatesTokenCount"),
		TotalTokens:      read("total_tokens", "totalTokenCount"),
	}
	if !found {
		return nil
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
