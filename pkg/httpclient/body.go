package httpclient

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout reports a streaming body that stayed silent past the
// idle cap. It implements net.Error's Timeout method so transport
// classification lands on the timeout code.
var ErrIdleTimeout error = &idleTimeoutError{}

type idleTimeoutError struct{}

func (*idleTimeoutError) Error() string   { return "streaming body idle timeout" }
func (*idleTimeoutError) Timeout() bool   { return true }
func (*idleTimeoutError) Temporary() bool { return true }

// idleBody cuts a streaming response whose reads stall. Each Read arms
// a watchdog that cancels the request context; a read severed that way
// surfaces ErrIdleTimeout instead of the bare cancellation.
type idleBody struct {
	rc       io.ReadCloser
	idle     time.Duration
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) io.ReadCloser {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &idleBody{rc: rc, idle: idle, cancel: cancel}
}

func (b *idleBody) Read(p []byte) (int, error) {
	timer := time.AfterFunc(b.idle, func() {
		b.timedOut.Store(true)
		b.cancel()
	})
	n, err := b.rc.Read(p)
	timer.Stop()
	if err != nil && b.timedOut.Load() {
		return n, ErrIdleTimeout
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.cancel()
	return b.rc.Close()
}
