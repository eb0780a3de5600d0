package manifest

import (
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// Capability identifies one unit of provider functionality. The set of
// known capabilities is closed; manifests declaring anything else fail
// validation.
type Capability string

const (
	CapText             Capability = "text"
	CapStreaming        Capability = "streaming"
	CapVision           Capability = "vision"
	CapAudio            Capability = "audio"
	CapVideo            Capability = "video"
	CapTools            Capability = "tools"
	CapParallelTools    Capability = "parallel_tools"
	CapAgentic          Capability = "agentic"
	CapReasoning        Capability = "reasoning"
	CapEmbeddings       Capability = "embeddings"
	CapStructuredOutput Capability = "structured_output"
	CapBatch            Capability = "batch"
	CapImageGeneration  Capability = "image_generation"
	CapComputerUse      Capability = "computer_use"
	CapMCPClient        Capability = "mcp_client"
	CapMCPServer        Capability = "mcp_server"
)

// knownCapabilities lists every capability in declaration order.
var knownCapabilities = []Capability{
	CapText,
	CapStreaming,
	CapVision,
	CapAudio,
	CapVideo,
	CapTools,
	CapParallelTools,
	CapAgentic,
	CapReasoning,
	CapEmbeddings,
	CapStructuredOutput,
	CapBatch,
	CapImageGeneration,
	CapComputerUse,
	CapMCPClient,
	CapMCPServer,
}

// capabilityFeatures maps each capability to the runtime feature group
// that must be enabled before it can be used. Capabilities mapping to ""
// are always available.
var capabilityFeatures = map[Capability]string{
	CapText:             "",
	CapStreaming:        "",
	CapTools:            "",
	CapParallelTools:    "",
	CapVision:           "vision",
	CapAudio:            "multimodal",
	CapVideo:            "multimodal",
	CapAgentic:          "agentic",
	CapReasoning:        "reasoning",
	CapEmbeddings:       "embeddings",
	CapStructuredOutput: "structured",
	CapBatch:            "batch",
	CapImageGeneration:  "image_gen",
	CapComputerUse:      "computer_use",
	CapMCPClient:        "mcp",
	CapMCPServer:        "mcp",
}

// capabilityModules maps each capability to the runtime module that
// serves it.
var capabilityModules = map[Capability]string{
	CapText:             "core",
	CapStreaming:        "streaming",
	CapVision:           "multimodal.vision",
	CapAudio:            "multimodal.audio",
	CapVideo:            "multimodal.video",
	CapTools:            "tools",
	CapParallelTools:    "tools.parallel",
	CapAgentic:          "agentic",
	CapReasoning:        "reasoning",
	CapEmbeddings:       "embeddings",
	CapStructuredOutput: "structured",
	CapBatch:            "batch",
	CapImageGeneration:  "generation.image",
	CapComputerUse:      "computer_use",
	CapMCPClient:        "mcp.client",
	CapMCPServer:        "mcp.server",
}

// KnownCapabilities returns every recognized capability in declaration
// order. The returned slice is a copy.
func KnownCapabilities() []Capability {
	return slices.Clone(knownCapabilities)
}

func (c Capability) Valid() bool {
	_, ok := capabilityFeatures[c]
	return ok
}

// Feature returns the feature group gating this capability, or "" when
// the capability is always available.
func (c Capability) Feature() string {
	return capabilityFeatures[c]
}

// Gated reports whether the capability needs an enabled feature group.
func (c Capability) Gated() bool {
	return capabilityFeatures[c] != ""
}

// Module returns the runtime module path serving this capability.
func (c Capability) Module() string {
	return capabilityModules[c]
}

// FeatureFlags are fine-grained toggles within capabilities. Flags the
// runtime does not know by name are collected into Extra.
type FeatureFlags struct {
	StructuredOutput  bool `yaml:"structured_output,omitempty" json:"structured_output,omitempty"`
	ParallelToolCalls bool `yaml:"parallel_tool_calls,omitempty" json:"parallel_tool_calls,omitempty"`
	ExtendedThinking  bool `yaml:"extended_thinking,omitempty" json:"extended_thinking,omitempty"`
	StreamingUsage    bool `yaml:"streaming_usage,omitempty" json:"streaming_usage,omitempty"`
	SystemMessages    bool `yaml:"system_messages,omitempty" json:"system_messages,omitempty"`
	ImageGeneration   bool `yaml:"image_generation,omitempty" json:"image_generation,omitempty"`

	Extra map[string]bool `yaml:",remain" json:"-"`
}

// IsZero reports whether no flag is set.
func (f FeatureFlags) IsZero() bool {
	return !f.StructuredOutput && !f.ParallelToolCalls && !f.ExtendedThinking &&
		!f.StreamingUsage && !f.SystemMessages && !f.ImageGeneration && len(f.Extra) == 0
}

func (f FeatureFlags) MarshalJSON() ([]byte, error) {
	out := make(map[string]bool, 6+len(f.Extra))
	if f.StructuredOutput {
		out["structured_output"] = true
	}
	if f.ParallelToolCalls {
		out["parallel_tool_calls"] = true
	}
	if f.ExtendedThinking {
		out["extended_thinking"] = true
	}
	if f.StreamingUsage {
		out["streaming_usage"] = true
	}
	if f.SystemMessages {
		out["system_messages"] = true
	}
	if f.ImageGeneration {
		out["image_generation"] = true
	}
	for k, v := range f.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func (f *FeatureFlags) UnmarshalJSON(data []byte) error {
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = flagsFromMap(raw)
	return nil
}

func flagsFromMap(raw map[string]bool) FeatureFlags {
	var f FeatureFlags
	for k, v := range raw {
		switch k {
		case "structured_output":
			f.StructuredOutput = v
		case "parallel_tool_calls":
			f.ParallelToolCalls = v
		case "extended_thinking":
			f.ExtendedThinking = v
		case "streaming_usage":
			f.StreamingUsage = v
		case "system_messages":
			f.SystemMessages = v
		case "image_generation":
			f.ImageGeneration = v
		default:
			if f.Extra == nil {
				f.Extra = make(map[string]bool)
			}
			f.Extra[k] = v
		}
	}
	return f
}

// LegacyCapabilities is the flat boolean form older manifests declare.
type LegacyCapabilities struct {
	Streaming     bool `yaml:"streaming,omitempty" json:"streaming,omitempty"`
	Tools         bool `yaml:"tools,omitempty" json:"tools,omitempty"`
	Vision        bool `yaml:"vision,omitempty" json:"vision,omitempty"`
	Agentic       bool `yaml:"agentic,omitempty" json:"agentic,omitempty"`
	Reasoning     bool `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
	ParallelTools bool `yaml:"parallel_tools,omitempty" json:"parallel_tools,omitempty"`
}

func (l LegacyCapabilities) capabilities() []Capability {
	caps := []Capability{CapText}
	if l.Streaming {
		caps = append(caps, CapStreaming)
	}
	if l.Tools {
		caps = append(caps, CapTools)
	}
	if l.Vision {
		caps = append(caps, CapVision)
	}
	if l.Agentic {
		caps = append(caps, CapAgentic)
	}
	if l.Reasoning {
		caps = append(caps, CapReasoning)
	}
	if l.ParallelTools {
		caps = append(caps, CapParallelTools)
	}
	return caps
}

// Capabilities is a provider's capability declaration. Manifests write
// it either as the structured form with required/optional lists, or as
// the legacy flat boolean form; the presence of a "required" key picks
// the structured reading. Legacy declarations keep their original shape
// until Promote is called.
type Capabilities struct {
	Required     []Capability `yaml:"required,omitempty" json:"required,omitempty"`
	Optional     []Capability `yaml:"optional,omitempty" json:"optional,omitempty"`
	FeatureFlags FeatureFlags `yaml:"feature_flags,omitempty" json:"feature_flags,omitempty"`

	// Legacy is set instead of the fields above when the manifest used
	// the flat boolean form.
	Legacy *LegacyCapabilities `yaml:"-" json:"-"`
}

// Structured reports whether the declaration is already in the
// required/optional form.
func (c Capabilities) Structured() bool {
	return c.Legacy == nil
}

// All returns the declared capabilities, required first. Legacy
// declarations always include text.
func (c Capabilities) All() []Capability {
	if c.Legacy != nil {
		return c.Legacy.capabilities()
	}
	all := make([]Capability, 0, len(c.Required)+len(c.Optional))
	all = append(all, c.Required...)
	all = append(all, c.Optional...)
	return all
}

// Has reports whether the capability is declared, required or optional.
func (c Capabilities) Has(capability Capability) bool {
	return slices.Contains(c.All(), capability)
}

// Flags returns the feature flags. Legacy declarations have none.
func (c Capabilities) Flags() FeatureFlags {
	if c.Legacy != nil {
		return FeatureFlags{}
	}
	return c.FeatureFlags
}

// Promote converts the declaration to the structured form. Legacy
// booleans map to required [text, streaming?] plus the optional
// capabilities they name; structured declarations pass through with
// text ensured in required. Promote never mutates the receiver and is
// idempotent: promoting an already promoted value returns an equal
// value.
func (c Capabilities) Promote() Capabilities {
	if c.Legacy == nil {
		out := Capabilities{
			Required:     slices.Clone(c.Required),
			Optional:     slices.Clone(c.Optional),
			FeatureFlags: c.FeatureFlags,
		}
		if !slices.Contains(out.Required, CapText) {
			out.Required = append([]Capability{CapText}, out.Required...)
		}
		return out
	}

	l := c.Legacy
	required := []Capability{CapText}
	if l.Streaming {
		required = append(required, CapStreaming)
	}
	var optional []Capability
	if l.Tools {
		optional = append(optional, CapTools)
	}
	if l.Vision {
		optional = append(optional, CapVision)
	}
	if l.Agentic {
		optional = append(optional, CapAgentic)
	}
	if l.Reasoning {
		optional = append(optional, CapReasoning)
	}
	if l.ParallelTools {
		optional = append(optional, CapParallelTools)
	}
	return Capabilities{Required: required, Optional: optional}
}

// validate rejects unknown capability names in either form.
func (c Capabilities) validate() error {
	if c.Legacy != nil {
		return nil
	}
	for _, capability := range c.Required {
		if !capability.Valid() {
			return fmt.Errorf("unknown required capability %q", capability)
		}
	}
	for _, capability := range c.Optional {
		if !capability.Valid() {
			return fmt.Errorf("unknown optional capability %q", capability)
		}
	}
	return nil
}

// capabilitiesFromMap decodes either declaration form from a generic
// map. The structured form is picked when a "required" key is present.
func capabilitiesFromMap(raw map[string]any) (Capabilities, error) {
	if _, structured := raw["required"]; structured {
		var s struct {
			Required     []Capability `yaml:"required"`
			Optional     []Capability `yaml:"optional"`
			FeatureFlags FeatureFlags `yaml:"feature_flags"`
		}
		if err := weakDecode(raw, &s); err != nil {
			return Capabilities{}, fmt.Errorf("invalid structured capabilities: %w", err)
		}
		return Capabilities{
			Required:     s.Required,
			Optional:     s.Optional,
			FeatureFlags: s.FeatureFlags,
		}, nil
	}

	var legacy LegacyCapabilities
	if err := weakDecode(raw, &legacy); err != nil {
		return Capabilities{}, fmt.Errorf("invalid capabilities: %w", err)
	}
	return Capabilities{Legacy: &legacy}, nil
}

func (c Capabilities) MarshalJSON() ([]byte, error) {
	if c.Legacy != nil {
		return json.Marshal(c.Legacy)
	}
	out := struct {
		Required     []Capability  `json:"required"`
		Optional     []Capability  `json:"optional,omitempty"`
		FeatureFlags *FeatureFlags `json:"feature_flags,omitempty"`
	}{
		Required: c.Required,
		Optional: c.Optional,
	}
	if !c.FeatureFlags.IsZero() {
		out.FeatureFlags = &c.FeatureFlags
	}
	return json.Marshal(out)
}

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, structured := probe["required"]; structured {
		var s struct {
			Required     []Capability `json:"required"`
			Optional     []Capability `json:"optional"`
			FeatureFlags FeatureFlags `json:"feature_flags"`
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Capabilities{Required: s.Required, Optional: s.Optional, FeatureFlags: s.FeatureFlags}
		return nil
	}
	var legacy LegacyCapabilities
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	*c = Capabilities{Legacy: &legacy}
	return nil
}

func (c *Capabilities) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	caps, err := capabilitiesFromMap(raw)
	if err != nil {
		return err
	}
	*c = caps
	return nil
}
