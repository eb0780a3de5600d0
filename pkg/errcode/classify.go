package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// aliasTable maps provider error-type strings to canonical codes. It covers
// the strings observed across OpenAI-compatible, Anthropic, and Gemini
// error envelopes.
var aliasTable = map[string]Code{
	"invalid_request":         CodeInvalidRequest,
	"invalid_request_error":   CodeInvalidRequest,
	"authentication":          CodeAuthentication,
	"authentication_error":    CodeAuthentication,
	"authorized_error":        CodeAuthentication,
	"invalid_api_key":         CodeAuthentication,
	"permission_denied":       CodePermissionDenied,
	"permission_error":        CodePermissionDenied,
	"not_found":               CodeNotFound,
	"not_found_error":         CodeNotFound,
	"model_not_found":         CodeNotFound,
	"request_too_large":       CodeRequestTooLarge,
	"context_length_exceeded": CodeRequestTooLarge,
	"rate_limited":            CodeRateLimited,
	"rate_limit_error":        CodeRateLimited,
	"rate_limit_exceeded":     CodeRateLimited,
	"quota_exhausted":         CodeQuotaExhausted,
	"insufficient_quota":      CodeQuotaExhausted,
	"server_error":            CodeServerError,
	"api_error":               CodeServerError,
	"internal_error":          CodeServerError,
	"overloaded":              CodeOverloaded,
	"overloaded_error":        CodeOverloaded,
	"timeout":                 CodeTimeout,
	"timeout_error":           CodeTimeout,
	"conflict":                CodeConflict,
	"cancelled":               CodeCancelled,
}

// statusTable is the HTTP fallback used when the body names no known code.
var statusTable = map[int]Code{
	http.StatusBadRequest:            CodeInvalidRequest,
	http.StatusUnauthorized:          CodeAuthentication,
	http.StatusForbidden:             CodePermissionDenied,
	http.StatusNotFound:              CodeNotFound,
	http.StatusRequestTimeout:        CodeTimeout,
	http.StatusConflict:              CodeConflict,
	http.StatusRequestEntityTooLarge: CodeRequestTooLarge,
	http.StatusTooManyRequests:       CodeRateLimited,
	http.StatusInternalServerError:   CodeServerError,
	http.StatusServiceUnavailable:    CodeOverloaded,
	http.StatusGatewayTimeout:        CodeTimeout,

	// Anthropic's overloaded status.
	529: CodeOverloaded,
}

// Maps carries the per-manifest classification overrides. ByCode maps
// provider error-type strings to canonical code names; ByStatus maps HTTP
// status strings ("429") to canonical code names and takes precedence over
// the built-in status table.
type Maps struct {
	ByCode   map[string]string
	ByStatus map[string]string
}

// errEnvelope matches the common provider error body shapes:
// {"error": {"type": ..., "code": ..., "message": ...}} and the flattened
// top-level variant.
type errEnvelope struct {
	Error *struct {
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Status  string          `json:"status"`
	} `json:"error"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// providerCode extracts the provider's error identifier and message from a
// response body. The identifier is error.code, then error.type, then the
// top-level equivalents. Numeric codes stringify.
func providerCode(body []byte) (code, message string) {
	var env errEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	if env.Error != nil {
		code = rawToString(env.Error.Code)
		if code == "" {
			code = env.Error.Type
		}
		if code == "" {
			code = env.Error.Status
		}
		return code, env.Error.Message
	}
	code = rawToString(env.Code)
	if code == "" {
		code = env.Type
	}
	return code, env.Message
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Classify maps an HTTP failure to a canonical code. Precedence: manifest
// error_map on the provider code, then the built-in alias table, then the
// manifest status map, then the built-in status table. Body-based
// classification supersedes status-based classification.
func Classify(status int, body []byte, maps Maps) *Error {
	pcode, message := providerCode(body)
	if message == "" {
		message = strings.TrimSpace(string(body))
		if len(message) > 512 {
			message = message[:512]
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	e := &Error{HTTPStatus: status, ProviderCode: pcode, Message: message}

	if pcode != "" {
		key := strings.ToLower(pcode)
		if mapped, ok := maps.ByCode[key]; ok && Code(mapped).Valid() {
			e.Code = Code(mapped)
			return e
		}
		if mapped, ok := aliasTable[key]; ok {
			e.Code = mapped
			return e
		}
	}

	if mapped, ok := maps.ByStatus[strconv.Itoa(status)]; ok && Code(mapped).Valid() {
		e.Code = Code(mapped)
		return e
	}
	if mapped, ok := statusTable[status]; ok {
		e.Code = mapped
		return e
	}

	e.Code = CodeUnknown
	return e
}

// FromTransport classifies a transport-level failure: deadline expiry and
// network timeouts become timeout, context cancellation becomes cancelled,
// anything else is a retryable server-side condition.
func FromTransport(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCancelled, "request cancelled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(CodeTimeout, err.Error(), err)
	}
	return Wrap(CodeServerError, err.Error(), err)
}
