package compiler

import (
	"encoding/json"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/jsonpath"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// buildBody assembles the wire body by iterating parameter_mappings. Each
// canonical parameter present on the request lands under its mapped name;
// dotted mapped names create nested objects. Canonical parameters the
// manifest does not map are dropped, and mapped names with no matching
// request field are never invented. The one addition outside the mapping
// table is the anthropic system field, which is carved out of the message
// list rather than carried by the request.
func buildBody(m *manifest.Manifest, req *protocol.Request) (map[string]any, error) {
	style := m.Style()
	body := make(map[string]any)

	var (
		messages any
		system   string
	)
	if len(req.Messages) > 0 {
		messages, system = encodeMessages(m, req, style)
	}

	toolsDeclared := m.Capabilities.Has(manifest.CapTools)

	for canonical, mapped := range m.ParameterMappings {
		var value any
		present := false
		switch canonical {
		case "model":
			if req.Model != "" {
				value, present = req.Model, true
			}
		case "messages", "input":
			if len(req.Messages) > 0 {
				value, present = messages, true
			}
		case "system":
			if system != "" {
				value, present = system, true
				system = ""
			}
		case "temperature":
			if req.Temperature != nil {
				value, present = *req.Temperature, true
			}
		case "max_tokens":
			if req.MaxTokens != nil {
				value, present = *req.MaxTokens, true
			}
		case "stream":
			if req.Stream {
				value, present = true, true
			}
		case "tools":
			if len(req.Tools) > 0 && toolsDeclared {
				value, present = encodeTools(req.Tools, toolStyle(m)), true
			}
		case "tool_choice":
			if req.ToolChoice != nil && len(req.Tools) > 0 && toolsDeclared {
				value, present = req.ToolChoice, true
			}
		case "response_format":
			if req.ResponseFormat != nil {
				value, present = req.ResponseFormat, true
			}
		case "metadata":
			if len(req.Metadata) > 0 {
				value, present = req.Metadata, true
			}
		}
		if !present {
			continue
		}
		if err := setMapped(body, mapped, value); err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest,
				"manifest %s: cannot map %s to %s: %v", m.ID, canonical, mapped, err)
		}
	}

	// A system prompt extracted from the messages has to reach the wire
	// even when the manifest never mentions it.
	if system != "" {
		if err := setMapped(body, "system", system); err != nil {
			return nil, errcode.Newf(errcode.CodeInvalidRequest,
				"manifest %s: cannot set system prompt: %v", m.ID, err)
		}
	}
	return body, nil
}

func setMapped(body map[string]any, mapped string, value any) error {
	if !strings.Contains(mapped, ".") {
		body[mapped] = value
		return nil
	}
	p, err := jsonpath.Parse(mapped)
	if err != nil {
		return err
	}
	return p.Set(body, value)
}

// encodeMessages serializes the message list for the provider dialect.
// The second result is the extracted system prompt, non-empty only for
// the anthropic style.
func encodeMessages(m *manifest.Manifest, req *protocol.Request, style manifest.APIStyle) (any, string) {
	if req.Op() == protocol.OperationEmbeddings {
		return embeddingInput(req.Messages), ""
	}
	switch style {
	case manifest.StyleAnthropic:
		return anthropicMessages(req.Messages)
	case manifest.StyleGemini:
		return geminiContents(req.Messages), ""
	default:
		return openaiMessages(req.Messages), ""
	}
}

// embeddingInput flattens messages to their text, the shape every
// embeddings API takes.
func embeddingInput(messages []protocol.Message) []any {
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Text())
	}
	return out
}

func openaiMessages(messages []protocol.Message) []any {
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openaiMessage(msg))
	}
	return out
}

func openaiMessage(msg protocol.Message) map[string]any {
	wire := map[string]any{"role": string(msg.Role)}
	if msg.ToolCallID != "" {
		wire["tool_call_id"] = msg.ToolCallID
	}
	if len(msg.Blocks) == 0 {
		wire["content"] = msg.Content
		return wire
	}

	var parts []any
	var toolCalls []any
	for _, b := range msg.Blocks {
		switch b.Type {
		case protocol.BlockTypeText:
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case protocol.BlockTypeImageBase64:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": "data:" + b.MediaType + ";base64," + b.Data},
			})
		case protocol.BlockTypeImageURL:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": b.URL},
			})
		case protocol.BlockTypeAudioBase64:
			parts = append(parts, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": b.Data, "format": audioFormat(b.MediaType)},
			})
		case protocol.BlockTypeToolUse:
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": string(b.Input),
				},
			})
		case protocol.BlockTypeToolResult:
			if wire["tool_call_id"] == nil && b.ToolUseID != "" {
				wire["tool_call_id"] = b.ToolUseID
			}
			parts = append(parts, map[string]any{"type": "text", "text": b.Content})
		default:
			parts = append(parts, passthroughBlock(b))
		}
	}

	if len(toolCalls) > 0 {
		wire["tool_calls"] = toolCalls
	}
	switch {
	case len(parts) == 1:
		// A lone text part collapses to a flat string; several
		// OpenAI-compatible providers reject array content on
		// plain-text turns.
		if part, ok := parts[0].(map[string]any); ok && part["type"] == "text" {
			wire["content"] = part["text"]
		} else {
			wire["content"] = parts
		}
	case len(parts) > 0:
		wire["content"] = parts
	case len(toolCalls) == 0:
		wire["content"] = msg.Content
	}
	return wire
}

// anthropicMessages converts to the messages API shape: system turns are
// carved out into the returned prompt, tool results ride as user turns
// with tool_result blocks.
func anthropicMessages(messages []protocol.Message) ([]any, string) {
	var system []string
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		if msg.Role == protocol.RoleTool && len(msg.Blocks) == 0 {
			out = append(out, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
			continue
		}
		out = append(out, anthropicMessage(msg))
	}
	return out, strings.Join(system, "\n\n")
}

func anthropicMessage(msg protocol.Message) map[string]any {
	role := string(msg.Role)
	if msg.Role == protocol.RoleTool {
		role = "user"
	}
	if len(msg.Blocks) == 0 {
		return map[string]any{"role": role, "content": msg.Content}
	}

	parts := make([]any, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		switch b.Type {
		case protocol.BlockTypeText:
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case protocol.BlockTypeImageBase64:
			parts = append(parts, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			})
		case protocol.BlockTypeImageURL:
			parts = append(parts, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": b.URL},
			})
		case protocol.BlockTypeToolUse:
			parts = append(parts, map[string]any{
				"type":  "tool_use",
				"id":    b.ID,
				"name":  b.Name,
				"input": decodeArguments(b.Input),
			})
		case protocol.BlockTypeToolResult:
			parts = append(parts, map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolUseID,
				"content":     b.Content,
			})
		default:
			parts = append(parts, passthroughBlock(b))
		}
	}
	return map[string]any{"role": role, "content": parts}
}

// geminiContents converts to the generateContent shape. The API has no
// system role and calls the assistant "model"; system turns degrade to
// user turns the way most Gemini SDKs do it.
func geminiContents(messages []protocol.Message) []any {
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "model"
		}
		parts := geminiParts(msg)
		if len(parts) == 0 {
			continue
		}
		out = append(out, map[string]any{"role": role, "parts": parts})
	}
	return out
}

func geminiParts(msg protocol.Message) []any {
	var parts []any
	if len(msg.Blocks) == 0 {
		if msg.Role == protocol.RoleTool {
			return append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     msg.ToolCallID,
					"response": map[string]any{"content": msg.Content},
				},
			})
		}
		if msg.Content != "" {
			parts = append(parts, map[string]any{"text": msg.Content})
		}
		return parts
	}
	for _, b := range msg.Blocks {
		switch b.Type {
		case protocol.BlockTypeText:
			if b.Text != "" {
				parts = append(parts, map[string]any{"text": b.Text})
			}
		case protocol.BlockTypeImageBase64, protocol.BlockTypeAudioBase64:
			parts = append(parts, map[string]any{
				"inline_data": map[string]any{"mime_type": b.MediaType, "data": b.Data},
			})
		case protocol.BlockTypeImageURL:
			parts = append(parts, map[string]any{
				"file_data": map[string]any{"file_uri": b.URL},
			})
		case protocol.BlockTypeToolUse:
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": b.Name, "args": decodeArguments(b.Input)},
			})
		case protocol.BlockTypeToolResult:
			name := b.Name
			if name == "" {
				name = b.ToolUseID
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     name,
					"response": map[string]any{"content": b.Content},
				},
			})
		default:
			parts = append(parts, passthroughBlock(b))
		}
	}
	return parts
}

// toolStyle picks the dialect for tool serialization. An explicit tooling
// source_model wins over the payload style.
func toolStyle(m *manifest.Manifest) manifest.APIStyle {
	if m.Tooling != nil {
		switch m.Tooling.SourceModel {
		case "anthropic":
			return manifest.StyleAnthropic
		case "gemini", "google":
			return manifest.StyleGemini
		case "openai":
			return manifest.StyleOpenAI
		}
	}
	return m.Style()
}

func encodeTools(tools []protocol.Tool, style manifest.APIStyle) any {
	switch style {
	case manifest.StyleAnthropic:
		out := make([]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": toolParameters(t),
			})
		}
		return out
	case manifest.StyleGemini:
		decls := make([]any, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  toolParameters(t),
			})
		}
		return []any{map[string]any{"functionDeclarations": decls}}
	default:
		out := make([]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  toolParameters(t),
				},
			})
		}
		return out
	}
}

func toolParameters(t protocol.Tool) map[string]any {
	if t.Parameters != nil {
		return t.Parameters
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func decodeArguments(raw json.RawMessage) any {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			v = nil
		}
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}

// passthroughBlock keeps a block the dialect has no native shape for,
// in its unified encoding, rather than dropping content on the floor.
func passthroughBlock(b protocol.ContentBlock) any {
	raw, err := json.Marshal(b)
	if err != nil {
		return map[string]any{"type": string(b.Type)}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"type": string(b.Type)}
	}
	return v
}

func audioFormat(mediaType string) string {
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mp3", "audio/mpeg":
		return "mp3"
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok {
		return sub
	}
	return mediaType
}
