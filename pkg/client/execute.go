package client

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/manifold/pkg/compiler"
	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/httpclient"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Every outgoing request carries a client-generated correlation id, so
// a call can be traced even when the provider never echoes one back.
const clientRequestIDHeader = "x-ai-protocol-request-id"

// preflight walks the admission chain: rate limiter, circuit breaker,
// in-flight gate. On success the caller holds one in-flight permit and
// must call release exactly once.
func (c *Client) preflight(ctx context.Context) (release func(), err error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			c.metrics.RecordBreakerOpen(ctx, c.provider)
			return nil, err
		}
	}
	if err := c.gate.acquire(ctx); err != nil {
		return nil, errcode.FromTransport(err)
	}
	return c.gate.release, nil
}

// observeSuccess feeds a successful response into the shared resilience
// state: the breaker resets and the limiter learns the provider's
// reported budget.
func (c *Client) observeSuccess(info httpclient.RateLimitInfo) {
	if c.breaker != nil {
		c.breaker.OnSuccess()
	}
	if c.limiter == nil {
		return
	}
	switch {
	case info.RetryAfter > 0:
		c.limiter.UpdateBudget(0, info.RetryAfter)
	case info.RequestsRemaining >= 0:
		c.limiter.UpdateBudget(info.RequestsRemaining, info.ResetAfter)
	}
}

// observeFailure counts the failure toward the breaker and blocks the
// limiter for a provider-stated retry-after window.
func (c *Client) observeFailure(cerr *errcode.Error) {
	if c.breaker != nil {
		c.breaker.OnFailure(cerr.Code)
	}
	if c.limiter != nil && cerr.RetryAfter > 0 {
		c.limiter.UpdateBudget(0, cerr.RetryAfter)
	}
}

// executeOnce performs one non-streaming attempt end to end: admission,
// compile, dispatch, budget ingestion, parse. The attempt timeout spans
// all of it, body collection included.
func (c *Client) executeOnce(ctx context.Context, eng *engine, req *protocol.Request, stats *CallStats) (*protocol.Response, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	release, err := c.preflight(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	creq, err := compiler.Compile(eng.m, req)
	if err != nil {
		return nil, err
	}
	clientID := uuid.NewString()
	creq.Header.Set(clientRequestIDHeader, clientID)
	stats.ClientRequestID = clientID
	stats.Endpoint = creq.URL

	res, err := c.http.Do(ctx, creq, eng.m)
	if err != nil {
		cerr := errcode.AsError(err)
		c.observeFailure(cerr)
		return nil, cerr
	}
	defer res.Body.Close()
	c.observeSuccess(res.RateLimit)
	stats.HTTPStatus = res.Status
	stats.RequestID = res.RequestID

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errcode.FromTransport(err).With("provider", c.provider)
	}
	return eng.parser.Parse(body)
}

// streamHandle is one successfully opened stream, pre-peeked: the first
// event is already known good and will be re-emitted at the head of the
// forwarded channel. Ownership of the body, the pump context, and the
// in-flight permit moves to the forwarder.
type streamHandle struct {
	first   protocol.Event
	rest    <-chan protocol.Event
	body    io.ReadCloser
	cancel  context.CancelFunc
	release func()
	empty   bool // stream closed before its first event
}

func (h *streamHandle) dispose() {
	h.cancel()
	h.body.Close()
	h.release()
}

// executeStreamOnce opens a stream and peeks its first event. Only the
// peek is bounded by the attempt timeout; a committed stream then runs
// under the transport's per-chunk idle cap, since a deadline over the
// whole stream would kill long generations mid-flight.
func (c *Client) executeStreamOnce(ctx context.Context, eng *engine, req *protocol.Request, stats *CallStats, start time.Time) (*streamHandle, error) {
	release, err := c.preflight(ctx)
	if err != nil {
		return nil, err
	}

	creq, err := compiler.Compile(eng.m, req)
	if err != nil {
		release()
		return nil, err
	}
	clientID := uuid.NewString()
	creq.Header.Set(clientRequestIDHeader, clientID)
	stats.ClientRequestID = clientID
	stats.Endpoint = creq.URL

	// The pump context outlives this attempt on success; cancelling it
	// is how the forwarder shuts the decode goroutine down.
	pumpCtx, cancel := context.WithCancel(ctx)
	res, err := c.http.Do(pumpCtx, creq, eng.m)
	if err != nil {
		cancel()
		release()
		cerr := errcode.AsError(err)
		c.observeFailure(cerr)
		return nil, cerr
	}
	c.observeSuccess(res.RateLimit)
	stats.HTTPStatus = res.Status
	stats.RequestID = res.RequestID

	h := &streamHandle{
		rest:    eng.pipe.Run(pumpCtx, res.Body),
		body:    res.Body,
		cancel:  cancel,
		release: release,
	}
	first, ok, err := waitFirst(ctx, h.rest, c.attemptTimeout)
	if err != nil {
		h.dispose()
		return nil, err
	}
	stats.FirstEventMS = time.Since(start).Milliseconds()
	if !ok {
		// Channel closed before any event: a 2xx with an empty body.
		// Commit it as an empty stream rather than inventing a failure.
		h.empty = true
		return h, nil
	}
	if first.Type == protocol.EventError {
		cerr := streamError(first).With("provider", c.provider)
		c.observeFailure(cerr)
		h.dispose()
		return nil, cerr
	}
	h.first = first
	return h, nil
}

// waitFirst blocks for the stream's first event, bounded by the attempt
// timeout. ok is false when the channel closed with no events at all.
func waitFirst(ctx context.Context, events <-chan protocol.Event, timeout time.Duration) (protocol.Event, bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case ev, ok := <-events:
		return ev, ok, nil
	case <-ctx.Done():
		return protocol.Event{}, false, errcode.FromTransport(ctx.Err())
	}
}

// streamError lifts a terminal error event back into a classified error.
func streamError(ev protocol.Event) *errcode.Error {
	code := errcode.Code(ev.Code)
	if !code.Valid() {
		code = errcode.CodeUnknown
	}
	msg := ev.Message
	if msg == "" {
		msg = "stream failed"
	}
	return errcode.New(code, msg)
}

// forwardStream re-emits the peeked first event, then relays the rest
// until the stream ends or the consumer's context dies. The body, pump,
// and in-flight permit release when the relay exits, whatever the path.
func (c *Client) forwardStream(ctx context.Context, h *streamHandle, out chan<- protocol.Event) {
	count := 0
	defer func() {
		h.dispose()
		close(out)
		c.metrics.RecordStreamEvents(ctx, c.provider, count)
	}()

	if h.empty {
		return
	}
	emit := func(ev protocol.Event) bool {
		select {
		case out <- ev:
			count++
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !emit(h.first) {
		return
	}
	for ev := range h.rest {
		if !emit(ev) {
			return
		}
	}
}
