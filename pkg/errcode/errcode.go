// Package errcode defines the canonical error taxonomy shared by every
// provider. All failures surface as a *Error carrying one of thirteen
// codes, so callers branch on stable semantics instead of provider quirks.
package errcode

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Code is a canonical error code.
type Code string

const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeAuthentication   Code = "authentication"
	CodePermissionDenied Code = "permission_denied"
	CodeNotFound         Code = "not_found"
	CodeRequestTooLarge  Code = "request_too_large"
	CodeRateLimited      Code = "rate_limited"
	CodeQuotaExhausted   Code = "quota_exhausted"
	CodeServerError      Code = "server_error"
	CodeOverloaded       Code = "overloaded"
	CodeTimeout          Code = "timeout"
	CodeConflict         Code = "conflict"
	CodeCancelled        Code = "cancelled"
	CodeUnknown          Code = "unknown"
)

// Category groups codes by failure domain.
type Category string

const (
	CategoryClient      Category = "client"
	CategoryRate        Category = "rate"
	CategoryServer      Category = "server"
	CategoryOperational Category = "operational"
	CategoryUnknown     Category = "unknown"
)

// Info is the fixed property set of a code.
type Info struct {
	ID           string
	Retryable    bool
	Fallbackable bool
	Category     Category
}

var codeTable = map[Code]Info{
	CodeInvalidRequest:   {ID: "E1001", Retryable: false, Fallbackable: false, Category: CategoryClient},
	CodeAuthentication:   {ID: "E1002", Retryable: false, Fallbackable: true, Category: CategoryClient},
	CodePermissionDenied: {ID: "E1003", Retryable: false, Fallbackable: false, Category: CategoryClient},
	CodeNotFound:         {ID: "E1004", Retryable: false, Fallbackable: false, Category: CategoryClient},
	CodeRequestTooLarge:  {ID: "E1005", Retryable: false, Fallbackable: false, Category: CategoryClient},
	CodeRateLimited:      {ID: "E2001", Retryable: true, Fallbackable: true, Category: CategoryRate},
	CodeQuotaExhausted:   {ID: "E2002", Retryable: false, Fallbackable: true, Category: CategoryRate},
	CodeServerError:      {ID: "E3001", Retryable: true, Fallbackable: true, Category: CategoryServer},
	CodeOverloaded:       {ID: "E3002", Retryable: true, Fallbackable: true, Category: CategoryServer},
	CodeTimeout:          {ID: "E3003", Retryable: true, Fallbackable: true, Category: CategoryServer},
	CodeConflict:         {ID: "E4001", Retryable: true, Fallbackable: false, Category: CategoryOperational},
	CodeCancelled:        {ID: "E4002", Retryable: false, Fallbackable: false, Category: CategoryOperational},
	CodeUnknown:          {ID: "E9999", Retryable: false, Fallbackable: false, Category: CategoryUnknown},
}

// Valid reports whether c is one of the canonical codes.
func (c Code) Valid() bool {
	_, ok := codeTable[c]
	return ok
}

// Props returns the properties of c, or the unknown-code properties when c
// is not canonical.
func (c Code) Props() Info {
	if info, ok := codeTable[c]; ok {
		return info
	}
	return codeTable[CodeUnknown]
}

func (c Code) ID() string         { return c.Props().ID }
func (c Code) Retryable() bool    { return c.Props().Retryable }
func (c Code) Fallbackable() bool { return c.Props().Fallbackable }
func (c Code) Category() Category { return c.Props().Category }

// Codes returns all canonical codes sorted by numeric id.
func Codes() []Code {
	out := make([]Code, 0, len(codeTable))
	for c := range codeTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Attempt records one failed candidate during fallback, for the final
// error's diagnostics.
type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Code     Code   `json:"code"`
	Message  string `json:"message,omitempty"`
}

// Error is a classified failure. It wraps an optional cause and carries
// provider context for diagnostics.
type Error struct {
	Code         Code
	HTTPStatus   int
	ProviderCode string
	Message      string
	RetryAfter   time.Duration
	Context      map[string]string
	Attempts     []Attempt

	cause error
}

// New creates a classified error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new classified error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(" (")
	sb.WriteString(e.Code.ID())
	sb.WriteString(")")
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&sb, " http=%d", e.HTTPStatus)
	}
	if e.ProviderCode != "" {
		fmt.Fprintf(&sb, " provider_code=%s", e.ProviderCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Attempts) > 0 {
		names := make([]string, len(e.Attempts))
		for i, a := range e.Attempts {
			names[i] = a.Provider
		}
		fmt.Fprintf(&sb, " (attempted: %s)", strings.Join(names, ", "))
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Retryable() bool    { return e.Code.Retryable() }
func (e *Error) Fallbackable() bool { return e.Code.Fallbackable() }
func (e *Error) Category() Category { return e.Code.Category() }

// With adds a context key/value and returns e for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithAttempt appends a fallback attempt record and returns e.
func (e *Error) WithAttempt(a Attempt) *Error {
	e.Attempts = append(e.Attempts, a)
	return e
}

// Is matches on code so callers can use errors.Is with sentinel values like
// errcode.New(errcode.CodeTimeout, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// AsError extracts a *Error from err, or wraps err as unknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return Wrap(CodeUnknown, err.Error(), err)
}
