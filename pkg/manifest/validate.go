package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/jsonpath"
)

// Streaming decoder formats the pipeline understands.
var knownDecoderFormats = map[string]bool{
	"sse":    true,
	"ndjson": true,
	"jsonl":  true,
}

// Event kinds a manifest event_map rule may emit. The remaining kinds
// (ToolCallCompleted, Error) are produced by the pipeline itself.
var mappableEventKinds = map[string]bool{
	"StreamStart":          true,
	"PartialContentDelta":  true,
	"PartialToolCallDelta": true,
	"Metadata":             true,
	"StreamEnd":            true,
}

// Validate checks the structural invariants a manifest must satisfy
// before it can serve requests. All problems are folded into a single
// error; use Problems for the individual messages.
func (m *Manifest) Validate() error {
	problems := m.Problems()
	if len(problems) == 0 {
		return nil
	}
	id := m.ID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Errorf("manifest %s: %s", id, strings.Join(problems, "; "))
}

// Problems returns every validation failure in declaration order. An
// empty slice means the manifest is valid.
func (m *Manifest) Problems() []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if m.ID == "" {
		fail("id is required")
	}
	if m.ProtocolVersion == "" {
		fail("protocol_version is required")
	} else if !strings.HasPrefix(m.ProtocolVersion, "1.") && !strings.HasPrefix(m.ProtocolVersion, "2.") {
		fail("unsupported protocol_version %q", m.ProtocolVersion)
	}

	if m.Endpoint.BaseURL == "" {
		fail("endpoint.base_url is required")
	} else if !baseURLValid(m.Endpoint.BaseURL) {
		fail("endpoint.base_url %q is not an absolute URL", m.Endpoint.BaseURL)
	}
	for op, p := range m.Endpoint.Paths {
		if p.Path == "" {
			fail("endpoint.paths.%s: path is required", op)
		}
		if !validMethod(p.Method) {
			fail("endpoint.paths.%s: unknown method %q", op, p.Method)
		}
	}

	problems = append(problems, m.authProblems()...)

	if err := m.Capabilities.validate(); err != nil {
		fail("%v", err)
	}

	for param, mapped := range m.ParameterMappings {
		if mapped == "" {
			fail("parameter_mappings.%s: empty mapping", param)
			continue
		}
		if _, err := jsonpath.Parse(mapped); err != nil {
			fail("parameter_mappings.%s: %v", param, err)
		}
	}

	for name, path := range m.ResponsePaths {
		if _, err := jsonpath.Parse(path); err != nil {
			fail("response_paths.%s: %v", name, err)
		}
	}

	problems = append(problems, m.streamingProblems()...)

	if m.Capabilities.Has(CapStreaming) && (m.Streaming == nil || m.Streaming.Decoder == nil || m.Streaming.Decoder.Format == "") {
		fail("streaming capability declared but streaming.decoder.format is missing")
	}

	for name, svc := range m.Services {
		if svc.Path == "" {
			fail("services.%s: path is required", name)
		}
		if !validMethod(svc.Method) {
			fail("services.%s: unknown method %q", name, svc.Method)
		}
	}

	if m.RetryPolicy != nil && m.RetryPolicy.MaxDelayMS > 0 && m.RetryPolicy.MinDelayMS > m.RetryPolicy.MaxDelayMS {
		fail("retry_policy: min_delay_ms exceeds max_delay_ms")
	}

	if m.Availability != nil && m.Availability.Check != nil {
		check := m.Availability.Check
		if check.Path == "" {
			fail("availability.check: path is required")
		}
		for _, status := range check.ExpectedStatus {
			if status < 100 || status > 599 {
				fail("availability.check: invalid expected_status %d", status)
			}
		}
	}

	if m.DefaultAPIFamily != "" && len(m.APIFamilies) > 0 {
		found := false
		for _, family := range m.APIFamilies {
			if family == m.DefaultAPIFamily {
				found = true
				break
			}
		}
		if !found {
			fail("default_api_family %q is not in api_families", m.DefaultAPIFamily)
		}
	}

	return problems
}

func (m *Manifest) authProblems() []string {
	var problems []string
	switch m.Auth.Type {
	case "", AuthNone:
	case AuthBearer, AuthJWT:
	case AuthHeader:
		if m.Auth.HeaderName == "" {
			problems = append(problems, "auth: header auth requires header_name")
		}
	case AuthQuery:
		if m.Auth.ParamName == "" {
			problems = append(problems, "auth: query auth requires param_name")
		}
	default:
		problems = append(problems, fmt.Sprintf("auth: unknown type %q", m.Auth.Type))
	}
	for i, h := range m.Auth.ExtraHeaders {
		if h.Name == "" {
			problems = append(problems, fmt.Sprintf("auth.extra_headers[%d]: name is required", i))
		}
	}
	return problems
}

func (m *Manifest) streamingProblems() []string {
	if m.Streaming == nil {
		return nil
	}
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	s := m.Streaming

	if s.Decoder != nil && !knownDecoderFormats[s.Decoder.Format] {
		fail("streaming.decoder: unknown format %q", s.Decoder.Format)
	}

	for _, pathField := range []struct{ name, path string }{
		{"frame_selector", s.FrameSelector},
		{"content_path", s.ContentPath},
		{"tool_call_path", s.ToolCallPath},
		{"usage_path", s.UsagePath},
	} {
		if pathField.path == "" {
			continue
		}
		if _, err := jsonpath.Parse(pathField.path); err != nil {
			fail("streaming.%s: %v", pathField.name, err)
		}
	}

	if s.StopCondition != "" {
		if _, err := jsonpath.ParsePredicate(s.StopCondition); err != nil {
			fail("streaming.stop_condition: %v", err)
		}
	}

	for i, rule := range s.EventMap {
		if rule.Match == "" {
			fail("streaming.event_map[%d]: match is required", i)
		} else if _, err := jsonpath.ParsePredicate(rule.Match); err != nil {
			fail("streaming.event_map[%d]: %v", i, err)
		}
		if !mappableEventKinds[rule.Emit] {
			fail("streaming.event_map[%d]: unmappable event kind %q", i, rule.Emit)
		}
		for field, path := range rule.Fields {
			if _, err := jsonpath.Parse(path); err != nil {
				fail("streaming.event_map[%d].fields.%s: %v", i, field, err)
			}
		}
	}

	if s.Candidate != nil {
		if s.Candidate.FanOut {
			fail("streaming.candidate: fan_out is not supported; the runtime follows candidate zero only")
		}
		if s.Candidate.CandidateIDPath != "" {
			if _, err := jsonpath.Parse(s.Candidate.CandidateIDPath); err != nil {
				fail("streaming.candidate.candidate_id_path: %v", err)
			}
		}
	}

	if s.Accumulator != nil && s.Accumulator.KeyPath != "" {
		if _, err := jsonpath.Parse(s.Accumulator.KeyPath); err != nil {
			fail("streaming.accumulator.key_path: %v", err)
		}
	}

	return problems
}

// validateStrictStreaming enforces the stricter profile used when the
// store runs with strict streaming enabled: a streaming-capable
// manifest must fully describe its decode path.
func (m *Manifest) validateStrictStreaming() error {
	if !m.Capabilities.Has(CapStreaming) {
		return nil
	}
	if m.Streaming == nil || m.Streaming.Decoder == nil || m.Streaming.Decoder.Format == "" {
		return fmt.Errorf("manifest %s: strict streaming requires streaming.decoder.format", m.ID)
	}
	if len(m.Streaming.EventMap) == 0 && m.Streaming.ContentPath == "" {
		return fmt.Errorf("manifest %s: strict streaming requires an event_map or content_path", m.ID)
	}
	return nil
}

// Lint reports non-fatal advisories: things worth fixing that do not
// stop the manifest from serving requests.
func (m *Manifest) Lint() []string {
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if m.Status == "" {
		warn("status is not declared (stable/beta/deprecated)")
	}
	if m.OfficialURL == "" {
		warn("official_url is not declared")
	}
	if !m.Capabilities.Structured() {
		warn("capabilities use the legacy flat form; prefer required/optional lists")
	}

	maps := m.ErrorMaps()
	for from, to := range maps.ByCode {
		if !errcode.Code(to).Valid() {
			warn("error_map.%s: unknown canonical code %q", from, to)
		}
	}
	for status, to := range maps.ByStatus {
		if !errcode.Code(to).Valid() {
			warn("error_status_map.%s: unknown canonical code %q", status, to)
		}
	}

	if m.RetryPolicy != nil {
		switch m.RetryPolicy.Strategy {
		case "", "exponential_backoff", "exponential", "fixed", "none":
		default:
			warn("retry_policy: unknown strategy %q", m.RetryPolicy.Strategy)
		}
	}

	return warnings
}

// baseURLValid reports whether base_url parses as an absolute http(s)
// or ws(s) URL.
func baseURLValid(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return false
	}
	return u.Host != ""
}

func validMethod(method string) bool {
	switch method {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
		return true
	}
	return false
}
