package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyphertite/ctengine/internal/errs"
)

// tlsTransport is the minimal concrete Transport: one TLS connection
// per invocation, per the external-interfaces boundary (spec.md §1
// puts the transport's security properties out of scope; only the
// framed request/response contract built on top, in internal/wire, is
// this engine's concern).
type tlsTransport struct {
	addr string
}

// Dial opens one TLS connection to addr.
func (t tlsTransport) Dial(ctx context.Context) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
	}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrLocalIO, t.addr, err)
	}
	return conn, nil
}

// throttledConn wraps a net.Conn with a byte-budget rate limiter on
// both directions, the CLI's realization of the bandwidth setting
// (spec.md §6). Burst equals one second's worth of the configured
// rate; zero means unlimited and the conn is returned unwrapped.
type throttledConn struct {
	net.Conn
	limiter *rate.Limiter
}

func newThrottledConn(conn net.Conn, bytesPerSec int64) net.Conn {
	if bytesPerSec <= 0 {
		return conn
	}
	return &throttledConn{
		Conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

func (c *throttledConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.wait(n)
	}
	return n, err
}

func (c *throttledConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.wait(n)
	}
	return n, err
}

func (c *throttledConn) wait(n int) {
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		_ = c.limiter.WaitN(context.Background(), chunk)
		n -= chunk
	}
}
