package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockType string

const (
	BlockTypeText        BlockType = "text"
	BlockTypeImageBase64 BlockType = "image_base64"
	BlockTypeImageURL    BlockType = "image_url"
	BlockTypeAudioBase64 BlockType = "audio_base64"
	BlockTypeToolUse     BlockType = "tool_use"
	BlockTypeToolResult  BlockType = "tool_result"
)

// ContentBlock is one element of a multimodal message body.
// Exactly the fields for the block's type are set.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// Message is a single conversation turn. Content is plain text unless
// Blocks is non-empty, in which case Blocks carries the full body.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

func NewBlocksMessage(role Role, blocks ...ContentBlock) Message {
	return Message{Role: role, Blocks: blocks}
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ImageBlock(data, mediaType string) ContentBlock {
	return ContentBlock{Type: BlockTypeImageBase64, MediaType: mediaType, Data: data}
}

func ImageURLBlock(url string) ContentBlock {
	return ContentBlock{Type: BlockTypeImageURL, URL: url}
}

func AudioBlock(data, mediaType string) ContentBlock {
	return ContentBlock{Type: BlockTypeAudioBase64, MediaType: mediaType, Data: data}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content}
}

// ImageBlockFromFile reads and base64-encodes a local image.
func ImageBlockFromFile(path string) (ContentBlock, error) {
	data, mediaType, err := encodeFile(path)
	if err != nil {
		return ContentBlock{}, err
	}
	return ImageBlock(data, mediaType), nil
}

// AudioBlockFromFile reads and base64-encodes a local audio file.
func AudioBlockFromFile(path string) (ContentBlock, error) {
	data, mediaType, err := encodeFile(path)
	if err != nil {
		return ContentBlock{}, err
	}
	return AudioBlock(data, mediaType), nil
}

func encodeFile(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(raw), GuessMediaType(path), nil
}

// GuessMediaType maps a file extension to a MIME type, defaulting to
// application/octet-stream for anything unrecognized.
func GuessMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

// ContainsImage reports whether any block carries image content.
func (m Message) ContainsImage() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockTypeImageBase64 || b.Type == BlockTypeImageURL {
			return true
		}
	}
	return false
}

// ContainsAudio reports whether any block carries audio content.
func (m Message) ContainsAudio() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockTypeAudioBase64 {
			return true
		}
	}
	return false
}

// Text returns the plain-text body, concatenating text blocks when the
// message is block-structured.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// MarshalJSON keeps the wire form of text-only messages flat: content is a
// string unless blocks are present, matching what OpenAI-compatible
// endpoints expect.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Blocks) == 0 {
		type flat struct {
			Role       Role   `json:"role"`
			Content    string `json:"content"`
			ToolCallID string `json:"tool_call_id,omitempty"`
		}
		return json.Marshal(flat{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	type blocky struct {
		Role       Role           `json:"role"`
		Content    []ContentBlock `json:"content"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}
	return json.Marshal(blocky{Role: m.Role, Content: m.Blocks, ToolCallID: m.ToolCallID})
}

// UnmarshalJSON accepts both the flat string form and the block-list form
// of content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var probe struct {
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	m.Role = probe.Role
	m.ToolCallID = probe.ToolCallID
	m.Content = ""
	m.Blocks = nil
	if len(probe.Content) == 0 {
		return nil
	}
	if probe.Content[0] == '[' {
		return json.Unmarshal(probe.Content, &m.Blocks)
	}
	return json.Unmarshal(probe.Content, &m.Content)
}
