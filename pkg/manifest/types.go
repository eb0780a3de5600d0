// Package manifest defines the provider descriptor model: the YAML/JSON
// documents that teach the runtime how to speak to a concrete AI provider.
// A manifest carries endpoint and auth wiring, capability declarations,
// parameter mappings into provider wire form, streaming decoder rules, and
// error classification tables. The Store loads, validates, promotes, and
// caches manifests from a protocol directory tree.
package manifest

import (
	"strconv"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
)

// Auth schemes a manifest may declare.
const (
	AuthBearer = "bearer"
	AuthHeader = "header"
	AuthQuery  = "query"
	AuthJWT    = "jwt"
	AuthNone   = "none"
)

// Operations with built-in default paths.
const (
	OperationChat       = "chat"
	OperationEmbeddings = "embeddings"
)

// Manifest is the root provider descriptor.
type Manifest struct {
	Schema          string `yaml:"$schema,omitempty" json:"$schema,omitempty"`
	ID              string `yaml:"id" json:"id"`
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	// Provider metadata.
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	ProviderID     string `yaml:"provider_id,omitempty" json:"provider_id,omitempty"`
	Version        string `yaml:"version,omitempty" json:"version,omitempty"`
	Status         string `yaml:"status,omitempty" json:"status,omitempty"`
	Category       string `yaml:"category,omitempty" json:"category,omitempty"`
	OfficialURL    string `yaml:"official_url,omitempty" json:"official_url,omitempty"`
	SupportContact string `yaml:"support_contact,omitempty" json:"support_contact,omitempty"`

	Endpoint     Endpoint     `yaml:"endpoint" json:"endpoint"`
	Auth         Auth         `yaml:"auth,omitempty" json:"auth,omitempty"`
	Capabilities Capabilities `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// Request shaping.
	PayloadFormat     string            `yaml:"payload_format,omitempty" json:"payload_format,omitempty"`
	ParameterMappings map[string]string `yaml:"parameter_mappings,omitempty" json:"parameter_mappings,omitempty"`
	Tooling           *Tooling          `yaml:"tooling,omitempty" json:"tooling,omitempty"`

	// Response shaping.
	ResponseFormat string            `yaml:"response_format,omitempty" json:"response_format,omitempty"`
	ResponsePaths  map[string]string `yaml:"response_paths,omitempty" json:"response_paths,omitempty"`
	Termination    *Termination      `yaml:"termination,omitempty" json:"termination,omitempty"`
	Features       *Features         `yaml:"features,omitempty" json:"features,omitempty"`

	Streaming *Streaming `yaml:"streaming,omitempty" json:"streaming,omitempty"`

	// Auxiliary endpoints and API families.
	Services         map[string]Service `yaml:"services,omitempty" json:"services,omitempty"`
	APIFamilies      []string           `yaml:"api_families,omitempty" json:"api_families,omitempty"`
	DefaultAPIFamily string             `yaml:"default_api_family,omitempty" json:"default_api_family,omitempty"`

	// Error handling and resilience hints.
	ErrorMap            map[string]string    `yaml:"error_map,omitempty" json:"error_map,omitempty"`
	ErrorStatusMap      map[string]string    `yaml:"error_status_map,omitempty" json:"error_status_map,omitempty"`
	ErrorClassification *ErrorClassification `yaml:"error_classification,omitempty" json:"error_classification,omitempty"`
	RetryPolicy         *RetryPolicy         `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
	RateLimitHeaders    *RateLimitHeaders    `yaml:"rate_limit_headers,omitempty" json:"rate_limit_headers,omitempty"`

	Availability *Availability `yaml:"availability,omitempty" json:"availability,omitempty"`

	ExperimentalFeatures []string       `yaml:"experimental_features,omitempty" json:"experimental_features,omitempty"`
	Metadata             map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Extra collects unknown top-level keys for forward compatibility.
	Extra map[string]any `yaml:",remain" json:"-"`
}

// Endpoint locates the provider API.
type Endpoint struct {
	BaseURL   string                  `yaml:"base_url" json:"base_url"`
	Protocol  string                  `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	TimeoutMS int                     `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Paths     map[string]EndpointPath `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// EndpointPath is one operation's path and method. Manifests may write
// it as a bare path string; the decoder lifts that into the full form
// with method POST.
type EndpointPath struct {
	Path    string `yaml:"path" json:"path"`
	Method  string `yaml:"method,omitempty" json:"method,omitempty"`
	Adapter string `yaml:"adapter,omitempty" json:"adapter,omitempty"`
}

// Auth describes how the request authenticates. TokenEnv and KeyEnv both
// name the environment variable holding the secret; KeyEnv is the older
// spelling used by query-param manifests.
type Auth struct {
	Type         string   `yaml:"type" json:"type"`
	TokenEnv     string   `yaml:"token_env,omitempty" json:"token_env,omitempty"`
	KeyEnv       string   `yaml:"key_env,omitempty" json:"key_env,omitempty"`
	HeaderName   string   `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	ParamName    string   `yaml:"param_name,omitempty" json:"param_name,omitempty"`
	Prefix       string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	ExtraHeaders []Header `yaml:"extra_headers,omitempty" json:"extra_headers,omitempty"`
}

type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Streaming configures the decoding of a provider's streaming responses.
type Streaming struct {
	EventFormat   string       `yaml:"event_format,omitempty" json:"event_format,omitempty"`
	Decoder       *Decoder     `yaml:"decoder,omitempty" json:"decoder,omitempty"`
	FrameSelector string       `yaml:"frame_selector,omitempty" json:"frame_selector,omitempty"`
	ContentPath   string       `yaml:"content_path,omitempty" json:"content_path,omitempty"`
	ToolCallPath  string       `yaml:"tool_call_path,omitempty" json:"tool_call_path,omitempty"`
	UsagePath     string       `yaml:"usage_path,omitempty" json:"usage_path,omitempty"`
	Candidate     *Candidate   `yaml:"candidate,omitempty" json:"candidate,omitempty"`
	Accumulator   *Accumulator `yaml:"accumulator,omitempty" json:"accumulator,omitempty"`
	EventMap      []EventRule  `yaml:"event_map,omitempty" json:"event_map,omitempty"`
	StopCondition string       `yaml:"stop_condition,omitempty" json:"stop_condition,omitempty"`
}

// Decoder selects the wire framing of the stream.
type Decoder struct {
	Format     string `yaml:"format" json:"format"`
	Strategy   string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Delimiter  string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	DoneSignal string `yaml:"done_signal,omitempty" json:"done_signal,omitempty"`
}

// Candidate configures multi-candidate responses. Fan-out is declared
// by some manifests but rejected at validation; the runtime processes
// candidate zero only.
type Candidate struct {
	CandidateIDPath string `yaml:"candidate_id_path,omitempty" json:"candidate_id_path,omitempty"`
	FanOut          bool   `yaml:"fan_out,omitempty" json:"fan_out,omitempty"`
}

// Accumulator configures stateful cross-frame parsing.
type Accumulator struct {
	StatefulToolParsing bool   `yaml:"stateful_tool_parsing,omitempty" json:"stateful_tool_parsing,omitempty"`
	KeyPath             string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	FlushOn             string `yaml:"flush_on,omitempty" json:"flush_on,omitempty"`
}

// EventRule maps a matching frame to a typed event. Rules are tried in
// order; the first match wins.
type EventRule struct {
	Match  string            `yaml:"match" json:"match"`
	Emit   string            `yaml:"emit" json:"emit"`
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Features holds structured response-mapping extensions.
type Features struct {
	MultiCandidate  *MultiCandidate  `yaml:"multi_candidate,omitempty" json:"multi_candidate,omitempty"`
	ResponseMapping *ResponseMapping `yaml:"response_mapping,omitempty" json:"response_mapping,omitempty"`
}

type MultiCandidate struct {
	SupportType   string `yaml:"support_type" json:"support_type"`
	ParamName     string `yaml:"param_name,omitempty" json:"param_name,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

type ResponseMapping struct {
	ToolCalls *ToolCallsMapping `yaml:"tool_calls,omitempty" json:"tool_calls,omitempty"`
	Error     *ErrorMapping     `yaml:"error,omitempty" json:"error,omitempty"`
}

// ToolCallsMapping extracts tool calls from a non-streaming response.
type ToolCallsMapping struct {
	Path        string            `yaml:"path" json:"path"`
	Filter      string            `yaml:"filter,omitempty" json:"filter,omitempty"`
	Fields      map[string]string `yaml:"fields" json:"fields"`
	ArrayFanOut bool              `yaml:"array_fan_out,omitempty" json:"array_fan_out,omitempty"`
}

// ErrorMapping overrides where the classifier reads provider error
// details from the response body.
type ErrorMapping struct {
	MessagePath string `yaml:"message_path,omitempty" json:"message_path,omitempty"`
	CodePath    string `yaml:"code_path,omitempty" json:"code_path,omitempty"`
	TypePath    string `yaml:"type_path,omitempty" json:"type_path,omitempty"`
}

// Termination names the provider's finish-reason field and an optional
// normalization table (for example end_turn -> stop).
type Termination struct {
	SourceField string            `yaml:"source_field" json:"source_field"`
	Mapping     map[string]string `yaml:"mapping,omitempty" json:"mapping,omitempty"`
}

// Tooling describes how tool-use and tool-result blocks serialize for
// providers that deviate from the OpenAI shape.
type Tooling struct {
	SourceModel string             `yaml:"source_model" json:"source_model"`
	ToolUse     *ToolUseMapping    `yaml:"tool_use,omitempty" json:"tool_use,omitempty"`
	ToolResult  *ToolResultMapping `yaml:"tool_result,omitempty" json:"tool_result,omitempty"`
}

type ToolUseMapping struct {
	IDPath      string `yaml:"id_path,omitempty" json:"id_path,omitempty"`
	NamePath    string `yaml:"name_path,omitempty" json:"name_path,omitempty"`
	InputPath   string `yaml:"input_path,omitempty" json:"input_path,omitempty"`
	InputFormat string `yaml:"input_format,omitempty" json:"input_format,omitempty"`
}

type ToolResultMapping struct {
	IDPath       string `yaml:"id_path,omitempty" json:"id_path,omitempty"`
	NamePath     string `yaml:"name_path,omitempty" json:"name_path,omitempty"`
	ResponsePath string `yaml:"response_path,omitempty" json:"response_path,omitempty"`
}

// Service is a manifest-declared auxiliary endpoint such as list_models
// or get_balance.
type Service struct {
	Path            string            `yaml:"path" json:"path"`
	Method          string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	QueryParams     map[string]string `yaml:"query_params,omitempty" json:"query_params,omitempty"`
	ResponseBinding string            `yaml:"response_binding,omitempty" json:"response_binding,omitempty"`
}

// RetryPolicy carries provider-recommended retry tuning. Nil fields fall
// back to client defaults.
type RetryPolicy struct {
	Strategy           string   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxRetries         *int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MinDelayMS         int      `yaml:"min_delay_ms,omitempty" json:"min_delay_ms,omitempty"`
	MaxDelayMS         int      `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	Jitter             string   `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	RetryOnHTTPStatus  []int    `yaml:"retry_on_http_status,omitempty" json:"retry_on_http_status,omitempty"`
	RetryOnErrorStatus []string `yaml:"retry_on_error_status,omitempty" json:"retry_on_error_status,omitempty"`
}

// ErrorClassification is the structured spelling of the error tables.
// The flat error_map and error_status_map fields take precedence when
// both forms appear.
type ErrorClassification struct {
	ByHTTPStatus  map[string]string `yaml:"by_http_status,omitempty" json:"by_http_status,omitempty"`
	ByErrorStatus map[string]string `yaml:"by_error_status,omitempty" json:"by_error_status,omitempty"`
}

// RateLimitHeaders names the provider's rate-limit response headers.
type RateLimitHeaders struct {
	RequestsLimit     string `yaml:"requests_limit,omitempty" json:"requests_limit,omitempty"`
	RequestsRemaining string `yaml:"requests_remaining,omitempty" json:"requests_remaining,omitempty"`
	RequestsReset     string `yaml:"requests_reset,omitempty" json:"requests_reset,omitempty"`
	TokensLimit       string `yaml:"tokens_limit,omitempty" json:"tokens_limit,omitempty"`
	TokensRemaining   string `yaml:"tokens_remaining,omitempty" json:"tokens_remaining,omitempty"`
	TokensReset       string `yaml:"tokens_reset,omitempty" json:"tokens_reset,omitempty"`
	RetryAfter        string `yaml:"retry_after,omitempty" json:"retry_after,omitempty"`
}

// Availability describes where the provider is reachable and how to
// probe it.
type Availability struct {
	Required bool         `yaml:"required,omitempty" json:"required,omitempty"`
	Regions  []string     `yaml:"regions,omitempty" json:"regions,omitempty"`
	Check    *HealthCheck `yaml:"check,omitempty" json:"check,omitempty"`
	Notes    []string     `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type HealthCheck struct {
	Method         string `yaml:"method,omitempty" json:"method,omitempty"`
	Path           string `yaml:"path" json:"path"`
	ExpectedStatus []int  `yaml:"expected_status,omitempty" json:"expected_status,omitempty"`
	TimeoutMS      int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// APIStyle classifies the provider's wire dialect for payload shaping.
type APIStyle string

const (
	StyleOpenAI    APIStyle = "openai_compatible"
	StyleAnthropic APIStyle = "anthropic_messages"
	StyleGemini    APIStyle = "gemini_generate"
	StyleCustom    APIStyle = "custom"
)

// SetDefaults fills in conventional values the manifest omitted.
func (m *Manifest) SetDefaults() {
	if m.Endpoint.Protocol == "" {
		m.Endpoint.Protocol = "https"
	}
	for op, p := range m.Endpoint.Paths {
		if p.Method == "" {
			p.Method = "POST"
			m.Endpoint.Paths[op] = p
		}
	}
	for name, svc := range m.Services {
		if svc.Method == "" {
			svc.Method = "GET"
			m.Services[name] = svc
		}
	}
	if m.Availability != nil && m.Availability.Check != nil {
		if m.Availability.Check.Method == "" {
			m.Availability.Check.Method = "GET"
		}
		if len(m.Availability.Check.ExpectedStatus) == 0 {
			m.Availability.Check.ExpectedStatus = []int{200}
		}
		if m.Availability.Check.TimeoutMS == 0 {
			m.Availability.Check.TimeoutMS = 5000
		}
	}
}

// PathFor resolves the endpoint entry for an operation. Chat and
// embeddings fall back to their conventional OpenAI-compatible paths
// when the manifest declares no entry.
func (m *Manifest) PathFor(operation string) (EndpointPath, bool) {
	if p, ok := m.Endpoint.Paths[operation]; ok {
		if p.Method == "" {
			p.Method = "POST"
		}
		return p, true
	}
	switch operation {
	case OperationChat:
		return EndpointPath{Path: "/chat/completions", Method: "POST"}, true
	case OperationEmbeddings:
		return EndpointPath{Path: "/embeddings", Method: "POST"}, true
	}
	return EndpointPath{}, false
}

// CredentialEnv returns the environment variable naming the provider
// secret: token_env, then key_env, then <ID>_API_KEY derived from the
// provider id.
func (m *Manifest) CredentialEnv() string {
	if m.Auth.TokenEnv != "" {
		return m.Auth.TokenEnv
	}
	if m.Auth.KeyEnv != "" {
		return m.Auth.KeyEnv
	}
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(m.ID))
	return id + "_API_KEY"
}

// ErrorMaps assembles the classifier override tables from whichever
// spelling the manifest used.
func (m *Manifest) ErrorMaps() errcode.Maps {
	maps := errcode.Maps{}
	if m.ErrorClassification != nil {
		maps.ByCode = mergeStringMaps(maps.ByCode, m.ErrorClassification.ByErrorStatus)
		maps.ByStatus = mergeStringMaps(maps.ByStatus, m.ErrorClassification.ByHTTPStatus)
	}
	maps.ByCode = mergeStringMaps(maps.ByCode, m.ErrorMap)
	maps.ByStatus = mergeStringMaps(maps.ByStatus, m.ErrorStatusMap)
	return maps
}

func mergeStringMaps(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Style reports the provider's wire dialect. An explicit payload_format
// wins; otherwise the decoder strategy and chat path shape decide.
func (m *Manifest) Style() APIStyle {
	switch strings.ToLower(m.PayloadFormat) {
	case "openai", "openai_compatible":
		return StyleOpenAI
	case "anthropic", "anthropic_messages":
		return StyleAnthropic
	case "gemini", "gemini_generate", "google":
		return StyleGemini
	case "custom":
		return StyleCustom
	}

	if m.Streaming != nil && m.Streaming.Decoder != nil {
		strategy := m.Streaming.Decoder.Strategy
		if strings.HasPrefix(strategy, "anthropic") {
			return StyleAnthropic
		}
		if strings.HasPrefix(strategy, "gemini") {
			return StyleGemini
		}
	}

	chat, _ := m.PathFor(OperationChat)
	if strings.Contains(chat.Path, ":generateContent") || strings.Contains(chat.Path, ":streamGenerateContent") {
		return StyleGemini
	}
	if strings.Contains(chat.Path, "/messages") && !strings.Contains(chat.Path, "/chat/") {
		return StyleAnthropic
	}
	return StyleOpenAI
}

// ProtocolSemver splits protocol_version into major and minor numbers.
// Unparsable parts default to 1.0.
func (m *Manifest) ProtocolSemver() (major, minor int) {
	parts := strings.Split(m.ProtocolVersion, ".")
	major, minor = 1, 0
	if len(parts) > 0 {
		if v, err := strconv.Atoi(parts[0]); err == nil {
			major = v
		}
	}
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			minor = v
		}
	}
	return major, minor
}

// IsV2 reports whether the manifest declares protocol version 2 or later.
func (m *Manifest) IsV2() bool {
	major, _ := m.ProtocolSemver()
	return major >= 2
}

// FinishReasonPath returns the JSON path of the provider's finish-reason
// field in streaming frames.
func (m *Manifest) FinishReasonPath() string {
	if m.Termination != nil && m.Termination.SourceField != "" {
		field := m.Termination.SourceField
		if strings.HasPrefix(field, "$") {
			return field
		}
		return "$." + field
	}
	return "$.choices[0].finish_reason"
}

// NormalizeFinishReason applies the termination mapping when one is
// declared, so provider-specific reasons land on the canonical set.
func (m *Manifest) NormalizeFinishReason(reason string) string {
	if reason == "" || m.Termination == nil || len(m.Termination.Mapping) == 0 {
		return reason
	}
	if mapped, ok := m.Termination.Mapping[reason]; ok {
		return mapped
	}
	return reason
}

