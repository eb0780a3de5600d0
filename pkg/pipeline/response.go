package pipeline

import (
	"encoding/json"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/jsonpath"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Non-streaming bodies default to the OpenAI completion shape, mirroring
// the streaming path defaults.
const (
	defaultResponseContentPath   = "$.choices[0].message.content"
	defaultResponseToolCallsPath = "$.choices[0].message.tool_calls"
)

// ResponseParser maps a complete provider body into the unified response.
// Paths come from the manifest's response_paths with OpenAI-compatible
// defaults; tool extraction follows features.response_mapping.tool_calls
// when declared.
type ResponseParser struct {
	provider  string
	content   *jsonpath.Path
	usage     *jsonpath.Path
	finish    *jsonpath.Path
	tools     *toolCallsExtractor
	normalize func(string) string
}

type toolCallsExtractor struct {
	list      *jsonpath.Path
	filter    *jsonpath.Predicate
	id        *jsonpath.Path
	name      *jsonpath.Path
	arguments *jsonpath.Path
	fanOut    bool
}

// NewResponseParser compiles the manifest's non-streaming response
// mapping.
func NewResponseParser(m *manifest.Manifest) (*ResponseParser, error) {
	contentPath := defaultResponseContentPath
	usagePath := defaultUsagePath
	finishPath := m.FinishReasonPath()
	if p, ok := m.ResponsePaths["content"]; ok {
		contentPath = p
	}
	if p, ok := m.ResponsePaths["usage"]; ok {
		usagePath = p
	}
	if p, ok := m.ResponsePaths["finish_reason"]; ok {
		finishPath = p
	}

	rp := &ResponseParser{provider: m.ID, normalize: m.NormalizeFinishReason}
	var err error
	if rp.content, err = jsonpath.Parse(contentPath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad response content path: %v", m.ID, err)
	}
	if rp.usage, err = jsonpath.Parse(usagePath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad response usage path: %v", m.ID, err)
	}
	if rp.finish, err = jsonpath.Parse(finishPath); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad response finish reason path: %v", m.ID, err)
	}
	if rp.tools, err = newToolCallsExtractor(m); err != nil {
		return nil, err
	}
	return rp, nil
}

func newToolCallsExtractor(m *manifest.Manifest) (*toolCallsExtractor, error) {
	var mapping *manifest.ToolCallsMapping
	if m.Features != nil && m.Features.ResponseMapping != nil {
		mapping = m.Features.ResponseMapping.ToolCalls
	}
	if mapping == nil {
		// OpenAI-compatible default, matching what toolDelta reads on the
		// streaming side.
		list, err := jsonpath.Parse(defaultResponseToolCallsPath)
		if err != nil {
			return nil, err
		}
		return &toolCallsExtractor{
			list:      list,
			id:        jsonpath.MustParse("$.id"),
			name:      jsonpath.MustParse("$.function.name"),
			arguments: jsonpath.MustParse("$.function.arguments"),
		}, nil
	}

	ex := &toolCallsExtractor{fanOut: mapping.ArrayFanOut}
	var err error
	if ex.list, err = jsonpath.Parse(mapping.Path); err != nil {
		return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad tool_calls path: %v", m.ID, err)
	}
	if mapping.Filter != "" {
		if ex.filter, err = jsonpath.ParsePredicate(mapping.Filter); err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad tool_calls filter: %v", m.ID, err)
		}
	}
	for field, expr := range mapping.Fields {
		path, perr := jsonpath.Parse(expr)
		if perr != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest, "manifest %s: bad tool_calls field %s: %v", m.ID, field, perr)
		}
		switch field {
		case "id", "tool_call_id":
			ex.id = path
		case "name", "tool_name":
			ex.name = path
		case "arguments", "args", "input":
			ex.arguments = path
		}
	}
	return ex, nil
}

// Parse maps one complete body. A 2xx body that is not JSON is a
// provider fault and classifies server_error.
func (rp *ResponseParser) Parse(body []byte) (*protocol.Response, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errcode.Wrap(errcode.CodeServerError, "response body is not valid JSON", err).
			With("provider", rp.provider)
	}

	resp := &protocol.Response{Raw: json.RawMessage(body)}
	if content, ok := rp.content.GetString(doc); ok {
		resp.Content = content
	}
	if usage, ok := rp.usage.Get(doc); ok {
		resp.Usage = usageFromValue(usage)
	}
	if finish, ok := rp.finish.GetString(doc); ok {
		resp.FinishReason = rp.normalize(finish)
	}
	resp.ToolCalls = rp.tools.extract(doc)
	if resp.FinishReason == "" && len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

func (ex *toolCallsExtractor) extract(doc any) []protocol.ToolCall {
	value, ok := ex.list.Get(doc)
	if !ok {
		return nil
	}
	elements, ok := value.([]any)
	if !ok {
		return nil
	}

	var calls []protocol.ToolCall
	for _, el := range elements {
		if ex.filter != nil && !ex.filter.Matches(el) {
			continue
		}
		var call protocol.ToolCall
		if ex.id != nil {
			call.ID, _ = ex.id.GetString(el)
		}
		if ex.name != nil {
			call.Name, _ = ex.name.GetString(el)
		}
		var args any
		if ex.arguments != nil {
			args, _ = ex.arguments.Get(el)
		}
		if ex.fanOut {
			// Some providers pack several invocations into one element's
			// argument array; each entry becomes its own call.
			if list, ok := args.([]any); ok {
				for _, entry := range list {
					fanned := call
					fanned.Arguments = encodeArguments(entry)
					calls = append(calls, fanned)
				}
				continue
			}
		}
		call.Arguments = encodeArguments(args)
		if call.ID == "" && call.Name == "" && len(call.Arguments) == 0 {
			continue
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage("{}")
		}
		calls = append(calls, call)
	}
	return calls
}

// encodeArguments normalizes whatever the path resolved to into raw
// JSON: strings are taken verbatim when they already parse, re-encoded
// otherwise, and structured values marshal directly.
func encodeArguments(value any) json.RawMessage {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v)
		}
		quoted, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return quoted
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return raw
	}
}
