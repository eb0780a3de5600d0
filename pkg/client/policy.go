package client

import (
	"errors"
	"time"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
	"github.com/kadirpekel/manifold/pkg/protocol"
	"github.com/kadirpekel/manifold/pkg/resilience"
)

// verdict is the policy engine's ruling on one failed attempt.
type verdict int

const (
	verdictFail verdict = iota
	verdictRetry
	verdictFallback
)

// decision pairs a verdict with the backoff to sleep before retrying.
type decision struct {
	verdict verdict
	delay   time.Duration
}

// policyEngine turns classified errors and runtime signals into
// retry/fallback/fail rulings for one candidate.
type policyEngine struct {
	policy      resilience.Policy
	hasFallback bool
}

func newPolicyEngine(m *manifest.Manifest, hasFallback bool) policyEngine {
	return policyEngine{
		policy:      resilience.PolicyFromManifest(m.RetryPolicy),
		hasFallback: hasFallback,
	}
}

// decide rules on a classified error after the given attempt (0-based).
// An open circuit breaker is never retried in place: local retries
// cannot shorten the cooldown, so the call moves to the next candidate
// when one exists.
func (p policyEngine) decide(err error, attempt int) decision {
	cerr := errcode.AsError(err)
	retryable := cerr.Retryable()
	fallbackable := cerr.Fallbackable()
	if errors.Is(err, resilience.ErrOpen) {
		retryable = false
		fallbackable = true
	}
	if retryable && attempt+1 < p.policy.MaxAttempts {
		return decision{verdict: verdictRetry, delay: p.policy.Delay(attempt+1, err)}
	}
	if fallbackable && p.hasFallback {
		return decision{verdict: verdictFallback}
	}
	return decision{verdict: verdictFail}
}

// skipReason reports why a candidate should be passed over on current
// runtime signals, or "" to proceed. Skipping is advisory: it applies
// only while another candidate remains, so the last one always gets
// its try.
func (p policyEngine) skipReason(s SignalsSnapshot) string {
	if !p.hasFallback {
		return ""
	}
	if s.Breaker.OpenRemainingMS > 0 {
		return "circuit breaker open"
	}
	if s.Inflight.Max > 0 && s.Inflight.Available == 0 {
		return "no in-flight permits"
	}
	if s.Limiter.EstimatedWaitMS >= saturatedWaitMS {
		return "rate limiter saturated"
	}
	return ""
}

// A predicted limiter wait of a second or more means the candidate is
// effectively stalled; a waiting fallback is cheaper than the sleep.
const saturatedWaitMS = 1000

// validateCapabilities rejects requests asking for features the
// manifest does not declare or the runtime has gated off. Failing here
// costs no I/O and no resilience budget.
func validateCapabilities(s *manifest.Store, m *manifest.Manifest, req *protocol.Request) error {
	demands := []struct {
		needed bool
		cap    manifest.Capability
		field  string
		what   string
	}{
		{len(req.Tools) > 0, manifest.CapTools, "tools", "tools"},
		{req.Stream, manifest.CapStreaming, "stream", "streaming"},
		{req.HasImage(), manifest.CapVision, "messages", "image input"},
		{req.HasAudio(), manifest.CapAudio, "messages", "audio input"},
	}
	for _, d := range demands {
		if !d.needed {
			continue
		}
		if !m.Capabilities.Has(d.cap) {
			return errcode.Newf(errcode.CodeInvalidRequest,
				"provider %s does not support %s", m.ID, d.what).With("field", d.field)
		}
		if feat := d.cap.Feature(); !s.FeatureEnabled(feat) {
			return errcode.Newf(errcode.CodeInvalidRequest,
				"provider %s supports %s but feature group %s is disabled",
				m.ID, d.what, feat).
				With("field", d.field).
				With("reason", "unsupported_feature").
				With("feature", feat)
		}
	}
	return nil
}
