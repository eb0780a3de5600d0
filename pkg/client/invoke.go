package client

import (
	"context"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/observability"
	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Invoke performs a non-streaming call: retries in place per the
// provider's retry policy, then walks the fallback chain when the
// error taxonomy allows it.
func (c *Client) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	resp, _, err := c.InvokeWithStats(ctx, req)
	return resp, err
}

// InvokeWithStats is Invoke plus per-call statistics. The stats are
// complete when the call returns.
func (c *Client) InvokeWithStats(ctx context.Context, req *protocol.Request) (*protocol.Response, *CallStats, error) {
	ctx, span := startCallSpan(ctx, observability.SpanInvoke, c, req.Op())
	resp, stats, err := c.invokeWithStats(ctx, req)
	endCallSpan(span, stats, err)
	return resp, stats, err
}

func (c *Client) invokeWithStats(ctx context.Context, req *protocol.Request) (*protocol.Response, *CallStats, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOverallTimeout)
		defer cancel()
	}

	start := time.Now()
	stats := &CallStats{Operation: req.Op()}
	cands := c.candidates()
	var trail []errcode.Attempt

	for i, cand := range cands {
		hasFallback := i < len(cands)-1
		stats.Provider, stats.Model = cand.provider, cand.modelID
		if i > 0 {
			stats.Fallbacks++
			c.metrics.RecordFallback(ctx, cand.provider)
		}

		eng, err := cand.currentEngine()
		if err != nil {
			trail = append(trail, cand.attemptRecord(err))
			if hasFallback {
				c.logger.Warn("candidate manifest unavailable",
					"provider", cand.provider, "error", err)
				continue
			}
			return nil, stats, c.fail(ctx, stats, start, trail, err)
		}
		if err := validateCapabilities(cand.store, eng.m, req); err != nil {
			trail = append(trail, cand.attemptRecord(err))
			if hasFallback {
				c.logger.Warn("candidate lacks required capability",
					"provider", cand.provider, "error", err)
				continue
			}
			return nil, stats, c.fail(ctx, stats, start, trail, err)
		}

		pe := newPolicyEngine(eng.m, hasFallback)
		if reason := pe.skipReason(cand.Signals()); reason != "" {
			err := errcode.New(errcode.CodeOverloaded,
				"candidate skipped on runtime signals: "+reason).With("provider", cand.provider)
			trail = append(trail, cand.attemptRecord(err))
			c.logger.Warn("skipping candidate", "provider", cand.provider, "reason", reason)
			continue
		}

		creq := requestFor(req, cand.modelID)
		next := false
		for attempt := 0; !next; attempt++ {
			stats.Attempts++
			resp, err := cand.executeOnce(ctx, eng, creq, stats)
			if err == nil {
				stats.Usage = resp.Usage
				if resp.Usage != nil {
					c.metrics.RecordTokens(ctx, cand.provider, cand.modelID,
						resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
				}
				c.finishStats(ctx, stats, start, nil)
				return resp, stats, nil
			}

			d := pe.decide(err, attempt)
			switch d.verdict {
			case verdictRetry:
				stats.Retries++
				c.metrics.RecordRetry(ctx, cand.provider)
				c.logger.Warn("retrying after error", "provider", cand.provider,
					"attempt", attempt+1, "delay", d.delay, "error", err)
				if serr := sleepCtx(ctx, d.delay); serr != nil {
					trail = append(trail, cand.attemptRecord(serr))
					return nil, stats, c.fail(ctx, stats, start, trail, serr)
				}
			case verdictFallback:
				trail = append(trail, cand.attemptRecord(err))
				c.logger.Warn("falling back", "provider", cand.provider, "error", err)
				next = true
			default:
				trail = append(trail, cand.attemptRecord(err))
				return nil, stats, c.fail(ctx, stats, start, trail, err)
			}
		}
	}

	// Reachable only when every candidate was skipped, which the skip
	// rules prevent for the last one; kept for the compiler's benefit.
	err := errcode.New(errcode.CodeOverloaded, "no candidate accepted the request")
	return nil, stats, c.fail(ctx, stats, start, trail, err)
}

// Stream performs a streaming call. The returned channel ends with
// exactly one terminal event; retries and fallbacks happen only before
// the first event is forwarded, never after output began.
func (c *Client) Stream(ctx context.Context, req *protocol.Request) (<-chan protocol.Event, error) {
	ch, _, err := c.StreamWithStats(ctx, req)
	return ch, err
}

// StreamWithStats is Stream plus per-call statistics. The stats are
// complete once the method returns; the forwarding goroutine does not
// touch them.
func (c *Client) StreamWithStats(ctx context.Context, req *protocol.Request) (<-chan protocol.Event, *CallStats, error) {
	ctx, span := startCallSpan(ctx, observability.SpanStream, c, req.Op())
	ch, stats, err := c.streamWithStats(ctx, req)
	endCallSpan(span, stats, err)
	return ch, stats, err
}

func (c *Client) streamWithStats(ctx context.Context, req *protocol.Request) (<-chan protocol.Event, *CallStats, error) {
	start := time.Now()
	stats := &CallStats{Operation: req.Op()}
	cands := c.candidates()
	var trail []errcode.Attempt

	sreq := req
	if !req.Stream {
		clone := *req
		clone.Stream = true
		sreq = &clone
	}

	for i, cand := range cands {
		hasFallback := i < len(cands)-1
		stats.Provider, stats.Model = cand.provider, cand.modelID
		if i > 0 {
			stats.Fallbacks++
			c.metrics.RecordFallback(ctx, cand.provider)
		}

		eng, err := cand.currentEngine()
		if err != nil {
			trail = append(trail, cand.attemptRecord(err))
			if hasFallback {
				c.logger.Warn("candidate manifest unavailable",
					"provider", cand.provider, "error", err)
				continue
			}
			return nil, stats, c.fail(ctx, stats, start, trail, err)
		}
		if err := validateCapabilities(cand.store, eng.m, sreq); err != nil {
			trail = append(trail, cand.attemptRecord(err))
			if hasFallback {
				c.logger.Warn("candidate lacks required capability",
					"provider", cand.provider, "error", err)
				continue
			}
			return nil, stats, c.fail(ctx, stats, start, trail, err)
		}

		pe := newPolicyEngine(eng.m, hasFallback)
		creq := requestFor(sreq, cand.modelID)
		next := false
		for attempt := 0; !next; attempt++ {
			// Streams hold their permit for the whole generation, so
			// signals move between attempts; re-check each time.
			if reason := pe.skipReason(cand.Signals()); reason != "" {
				err := errcode.New(errcode.CodeOverloaded,
					"candidate skipped on runtime signals: "+reason).With("provider", cand.provider)
				trail = append(trail, cand.attemptRecord(err))
				c.logger.Warn("skipping candidate", "provider", cand.provider, "reason", reason)
				next = true
				continue
			}

			stats.Attempts++
			h, err := cand.executeStreamOnce(ctx, eng, creq, stats, start)
			if err == nil {
				out := make(chan protocol.Event)
				go cand.forwardStream(ctx, h, out)
				c.finishStats(ctx, stats, start, nil)
				return out, stats, nil
			}

			d := pe.decide(err, attempt)
			switch d.verdict {
			case verdictRetry:
				stats.Retries++
				c.metrics.RecordRetry(ctx, cand.provider)
				c.logger.Warn("retrying stream after error", "provider", cand.provider,
					"attempt", attempt+1, "delay", d.delay, "error", err)
				if serr := sleepCtx(ctx, d.delay); serr != nil {
					trail = append(trail, cand.attemptRecord(serr))
					return nil, stats, c.fail(ctx, stats, start, trail, serr)
				}
			case verdictFallback:
				trail = append(trail, cand.attemptRecord(err))
				c.logger.Warn("falling back", "provider", cand.provider, "error", err)
				next = true
			default:
				trail = append(trail, cand.attemptRecord(err))
				return nil, stats, c.fail(ctx, stats, start, trail, err)
			}
		}
	}

	err := errcode.New(errcode.CodeOverloaded, "no candidate accepted the request")
	return nil, stats, c.fail(ctx, stats, start, trail, err)
}

// candidates resolves the fallback chain into runnable clients. A
// fallback whose manifest fails to load or validate is logged and
// dropped rather than failing the whole call.
func (c *Client) candidates() []*Client {
	out := []*Client{c}
	for _, id := range c.fallbacks {
		fc, err := c.forModel(id)
		if err != nil {
			c.logger.Warn("dropping fallback candidate", "candidate", id, "error", err)
			continue
		}
		out = append(out, fc)
	}
	return out
}

// requestFor returns req bound to the candidate's model, cloning only
// when the model differs so the caller's request stays untouched.
func requestFor(req *protocol.Request, model string) *protocol.Request {
	if req.Model == model {
		return req
	}
	clone := *req
	clone.Model = model
	return &clone
}

func (c *Client) attemptRecord(err error) errcode.Attempt {
	cerr := errcode.AsError(err)
	return errcode.Attempt{
		Provider: c.provider,
		Model:    c.modelID,
		Code:     cerr.Code,
		Message:  cerr.Message,
	}
}

// fail attaches the attempted-candidate trail to the final classified
// error and closes out the stats.
func (c *Client) fail(ctx context.Context, stats *CallStats, start time.Time, trail []errcode.Attempt, err error) error {
	cerr := errcode.AsError(err)
	for _, a := range trail {
		cerr = cerr.WithAttempt(a)
	}
	c.finishStats(ctx, stats, start, cerr)
	return cerr
}

func (c *Client) finishStats(ctx context.Context, stats *CallStats, start time.Time, err error) {
	elapsed := time.Since(start)
	stats.DurationMS = elapsed.Milliseconds()
	sig := c.Signals()
	stats.Signals = &sig
	c.metrics.RecordRequest(ctx, stats.Provider, stats.Operation, elapsed, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errcode.FromTransport(ctx.Err())
	}
}
