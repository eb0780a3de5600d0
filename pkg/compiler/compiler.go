// Package compiler turns a unified request plus a provider manifest into
// the concrete HTTP call: URL, method, headers, and wire body. Compilation
// is pure with respect to the network; the only ambient input is the
// process environment, read for credentials. A request that cannot be
// compiled (missing credential, unknown operation) fails with a classified
// error before any bytes leave the process.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// CompiledRequest is a provider-specific HTTP call ready for dispatch.
type CompiledRequest struct {
	Provider  string
	Operation string
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	Streaming bool
}

// Compile maps a unified request onto the provider wire form the manifest
// describes. The body contains exactly the canonical parameters that are
// both present on the request and named in parameter_mappings; nothing is
// invented for the provider's benefit.
func Compile(m *manifest.Manifest, req *protocol.Request) (*CompiledRequest, error) {
	op := req.Op()
	entry, ok := m.PathFor(op)
	if !ok {
		return nil, errcode.Newf(errcode.CodeInvalidRequest,
			"provider %s does not expose operation %q", m.ID, op)
	}

	c := &CompiledRequest{
		Provider:  m.ID,
		Operation: op,
		Method:    entry.Method,
		URL:       joinURL(m.Endpoint.BaseURL, expandPath(entry.Path, req.Model)),
		Header:    make(http.Header),
		Streaming: req.Stream,
	}
	c.Header.Set("Content-Type", "application/json")
	if req.Stream {
		c.Header.Set("Accept", "text/event-stream")
	}

	if err := applyAuth(m, c); err != nil {
		return nil, err
	}

	body, err := buildBody(m, req)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInvalidRequest, "failed to encode request body", err)
	}
	c.Body = encoded
	return c, nil
}

// CompileService resolves a manifest-declared auxiliary endpoint such as
// list_models or get_balance. Auth and extra headers apply the same way
// they do for chat; there is no body mapping.
func CompileService(m *manifest.Manifest, name, model string) (*CompiledRequest, error) {
	svc, ok := m.Services[name]
	if !ok {
		return nil, errcode.Newf(errcode.CodeNotFound,
			"provider %s declares no service %q", m.ID, name)
	}
	method := svc.Method
	if method == "" {
		method = http.MethodGet
	}
	c := &CompiledRequest{
		Provider:  m.ID,
		Operation: name,
		Method:    method,
		URL:       joinURL(m.Endpoint.BaseURL, expandPath(svc.Path, model)),
		Header:    make(http.Header),
	}
	c.Header.Set("Accept", "application/json")
	if err := applyAuth(m, c); err != nil {
		return nil, err
	}
	for k, v := range svc.Headers {
		c.Header.Set(k, v)
	}
	if len(svc.QueryParams) > 0 {
		params := url.Values{}
		for k, v := range svc.QueryParams {
			params.Set(k, v)
		}
		c.URL = appendQuery(c.URL, params.Encode())
	}
	return c, nil
}

// CompileHealthCheck resolves the availability probe the manifest declares.
func CompileHealthCheck(m *manifest.Manifest) (*CompiledRequest, error) {
	if m.Availability == nil || m.Availability.Check == nil {
		return nil, errcode.Newf(errcode.CodeNotFound,
			"provider %s declares no health check", m.ID)
	}
	chk := m.Availability.Check
	method := chk.Method
	if method == "" {
		method = http.MethodGet
	}
	c := &CompiledRequest{
		Provider:  m.ID,
		Operation: "health",
		Method:    method,
		URL:       joinURL(m.Endpoint.BaseURL, chk.Path),
		Header:    make(http.Header),
	}
	c.Header.Set("Accept", "application/json")
	if err := applyAuth(m, c); err != nil {
		return nil, err
	}
	return c, nil
}

// HTTPRequest materializes the compiled call as an *http.Request. The body
// is replayable so the transport can retry redirects and 307s.
func (c *CompiledRequest) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(c.Body) > 0 && c.Method != http.MethodGet && c.Method != http.MethodHead {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		payload := c.Body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	return req, nil
}

func expandPath(path, model string) string {
	if model == "" {
		return path
	}
	return strings.ReplaceAll(path, "{model}", model)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func appendQuery(u, query string) string {
	if query == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + query
}
