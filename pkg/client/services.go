package client

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/manifold/pkg/compiler"
	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/observability"
	"github.com/kadirpekel/manifold/pkg/resilience"
)

// CallService invokes a manifest-declared auxiliary endpoint and
// returns its raw JSON payload. The call goes through the same
// admission chain as chat and retries per the manifest's retry_policy;
// an unknown service name classifies as not_found without any I/O.
func (c *Client) CallService(ctx context.Context, name string) ([]byte, error) {
	ctx, span := startCallSpan(ctx, observability.SpanService, c, name)
	payload, err := c.callService(ctx, name)
	endCallSpan(span, nil, err)
	return payload, err
}

func (c *Client) callService(ctx context.Context, name string) ([]byte, error) {
	eng, err := c.currentEngine()
	if err != nil {
		return nil, err
	}
	creq, err := compiler.CompileService(eng.m, name, c.modelID)
	if err != nil {
		return nil, err
	}
	creq.Header.Set(clientRequestIDHeader, uuid.NewString())

	policy := resilience.PolicyFromManifest(eng.m.RetryPolicy)
	var payload []byte
	err = resilience.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		release, err := c.preflight(ctx)
		if err != nil {
			return err
		}
		defer release()

		res, err := c.http.Do(ctx, creq, eng.m)
		if err != nil {
			cerr := errcode.AsError(err)
			c.observeFailure(cerr)
			return cerr
		}
		defer res.Body.Close()
		c.observeSuccess(res.RateLimit)

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return errcode.FromTransport(err).With("provider", c.provider)
		}
		payload = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ListModels calls the provider's list_models service and extracts
// model ids from either the OpenAI shape (data[].id) or the Gemini
// shape (models[].name).
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	payload, err := c.CallService(ctx, "list_models")
	if err != nil {
		return nil, err
	}
	var doc struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errcode.Wrap(errcode.CodeUnknown,
			"unparsable list_models payload", err).With("provider", c.provider)
	}
	ids := make([]string, 0, len(doc.Data)+len(doc.Models))
	for _, d := range doc.Data {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		for _, m := range doc.Models {
			if m.Name != "" {
				ids = append(ids, m.Name)
			}
		}
	}
	return ids, nil
}

// HealthStatus is the outcome of an availability probe.
type HealthStatus struct {
	Healthy    bool   `json:"healthy"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// CheckHealth probes the manifest's availability check once, with no
// retry and without touching the resilience state: a probe should
// observe the provider, not change how we treat it. A response whose
// status is in expected_status counts as healthy even when not 2xx.
func (c *Client) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	eng, err := c.currentEngine()
	if err != nil {
		return nil, err
	}
	creq, err := compiler.CompileHealthCheck(eng.m)
	if err != nil {
		return nil, err
	}
	check := eng.m.Availability.Check

	timeout := time.Duration(check.TimeoutMS) * time.Millisecond
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.http.Do(ctx, creq, eng.m)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		cerr := errcode.AsError(err)
		if cerr.HTTPStatus != 0 && slices.Contains(check.ExpectedStatus, cerr.HTTPStatus) {
			return &HealthStatus{Healthy: true, HTTPStatus: cerr.HTTPStatus, LatencyMS: latency}, nil
		}
		return &HealthStatus{
			Healthy:    false,
			HTTPStatus: cerr.HTTPStatus,
			LatencyMS:  latency,
			Error:      cerr.Message,
		}, nil
	}
	res.Body.Close()
	return &HealthStatus{
		Healthy:    slices.Contains(check.ExpectedStatus, res.Status),
		HTTPStatus: res.Status,
		LatencyMS:  latency,
	}, nil
}
