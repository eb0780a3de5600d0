package client

import "github.com/kadirpekel/manifold/pkg/protocol"

// CallStats describes one finished invocation: where it landed after
// fallbacks, how many attempts it took, and what the provider reported
// back. For streaming calls the stats are complete once the stream
// commits; DurationMS then covers the time to the first event.
type CallStats struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Operation string `json:"operation"`
	Endpoint  string `json:"endpoint,omitempty"`

	// Attempts counts every dispatched try across all candidates;
	// Retries counts in-place re-tries and Fallbacks candidate moves.
	Attempts  int `json:"attempts"`
	Retries   int `json:"retries"`
	Fallbacks int `json:"fallbacks"`

	HTTPStatus   int   `json:"http_status,omitempty"`
	DurationMS   int64 `json:"duration_ms"`
	FirstEventMS int64 `json:"first_event_ms,omitempty"`

	// ClientRequestID is the uuid this client attached to the request;
	// RequestID is the provider's correlation id from response headers.
	ClientRequestID string `json:"client_request_id,omitempty"`
	RequestID       string `json:"request_id,omitempty"`

	Usage   *protocol.Usage  `json:"usage,omitempty"`
	Signals *SignalsSnapshot `json:"signals,omitempty"`
}
