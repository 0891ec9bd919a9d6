// Package proxy forwards requests to an upstream target over pooled TCP
// connections, hand-rolled HTTP/1.1 rather than httputil.ReverseProxy so
// connection reuse and failure classification stay explicit.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fabian4/webfront-go/internal/config"
	"github.com/fabian4/webfront-go/internal/pool"
)

var (
	// ErrUpstreamUnavailable: the target could not be connected to.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamIncomplete: the target closed before a full response.
	ErrUpstreamIncomplete = errors.New("upstream sent an incomplete response")
	// ErrUpstreamTimeout: the per-request deadline expired.
	ErrUpstreamTimeout = errors.New("upstream timed out")
)

// relayBufferSize bounds buffering between upstream and client; the copy
// blocks on whichever side is slower instead of growing memory.
const relayBufferSize = 32 << 10

// Connector forwards to one target. One target per route; no cross-target
// retry, a failed attempt is surfaced to the client.
type Connector struct {
	target  string
	pool    *pool.Pool
	timeout time.Duration
}

func New(u config.Upstream, timeout time.Duration) *Connector {
	opts := pool.Options{
		DialTimeout: u.Pool.DialTimeout,
		MaxIdle:     u.Pool.MaxIdle,
		IdleTimeout: u.Pool.IdleTimeout,
	}
	return &Connector{target: u.Address, pool: pool.New(u.Address, opts), timeout: timeout}
}

func (c *Connector) Target() string   { return c.target }
func (c *Connector) Pool() *pool.Pool { return c.pool }

// Forward sends out to the target and relays the response onto w as a
// single operation. modify, if non-nil, runs on the response before any of
// it reaches the client. The pooled connection goes back only after a clean,
// fully-read cycle; every error path closes it instead.
func (c *Connector) Forward(w http.ResponseWriter, out *http.Request, modify func(*http.Response)) error {
	conn, err := c.pool.Get(out.Context())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, c.target, err)
	}
	reuse := false
	defer func() {
		if reuse {
			c.pool.Put(conn)
		} else {
			_ = conn.Close()
		}
	}()

	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := out.Write(conn); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write %s: %v", ErrUpstreamTimeout, c.target, err)
		}
		// keep the chain intact: a body-side error (e.g. the size guard
		// tripping) must stay visible to errors.Is in the caller
		return fmt.Errorf("write %s: %w", c.target, err)
	}

	res, err := http.ReadResponse(conn.Reader(), out)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: read %s: %v", ErrUpstreamTimeout, c.target, err)
		}
		return fmt.Errorf("%w: read %s: %v", ErrUpstreamIncomplete, c.target, err)
	}
	defer func() { _ = res.Body.Close() }()

	if modify != nil {
		modify(res)
	}

	// An upstream that quit right after its header block should still come
	// out as a gateway error, so peek for the first body byte before
	// committing the status downstream.
	if expectsBody(out.Method, res) {
		if _, err := conn.Reader().Peek(1); err != nil {
			if isTimeout(err) {
				return fmt.Errorf("%w: body %s: %v", ErrUpstreamTimeout, c.target, err)
			}
			return fmt.Errorf("%w: body %s: %v", ErrUpstreamIncomplete, c.target, err)
		}
	}

	dst := w.Header()
	for k, vv := range res.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	buf := make([]byte, relayBufferSize)
	if _, err := io.CopyBuffer(writerOnly{w}, res.Body, buf); err != nil {
		switch {
		case isTimeout(err):
			return fmt.Errorf("%w: relay %s: %v", ErrUpstreamTimeout, c.target, err)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return fmt.Errorf("%w: relay %s: %v", ErrUpstreamIncomplete, c.target, err)
		default:
			// downstream write failed, client likely gone; the upstream
			// read is abandoned with the connection
			return fmt.Errorf("relay %s: %w", c.target, err)
		}
	}

	reuse = !res.Close && !out.Close
	return nil
}

// writerOnly hides optional interfaces (io.ReaderFrom) so the copy really
// goes through the fixed relay buffer.
type writerOnly struct{ io.Writer }

func expectsBody(method string, res *http.Response) bool {
	if method == http.MethodHead {
		return false
	}
	sc := res.StatusCode
	if sc < 200 || sc == http.StatusNoContent || sc == http.StatusNotModified {
		return false
	}
	return res.ContentLength != 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
