// Package socket implements the async BSD socket layer the rest of the
// transport stack dials through (spec §4.1): multi-address connect
// fallback, TCP_NODELAY, and the retry-with-linear-backoff policy the
// orchestrator applies per pipeline step (spec §4.10).
//
// The spec describes a single-threaded, event-driven socket (explicit
// readiness events, a serialized execution context, spurious-wake retry).
// Go's netpoller already gives every net.Conn those exact semantics under
// the hood — a blocking Read/Write parks its goroutine until the socket is
// actually readable/writable and wakes it without re-entering the caller —
// so this package is the idiomatic-Go rendition the spec's own design notes
// anticipate ("a faithful rewrite may use futures/tasks/channels"): each
// socket's single owning goroutine is the "serial execution context", and
// connect/send/receive are plain blocking calls instead of a hand-rolled
// readiness-event state machine. Grounded on the teacher's own dial+retry
// shape in transport/internet/tcp/dialer.go and proxy/proxy.go's retry
// helper (generalized here into the linear RetryPolicy backoff spec §4.10
// specifies).
package socket

import (
	"context"
	"net"
	"time"

	"github.com/xtls/vlesstun/common/errors"
)

// DialTCP resolves host via the standard resolver and attempts each
// returned address in order, applying TCP_NODELAY, until one connects
// (spec §4.1 "attempts each non-blocking TCP connect in order; on the
// first writable-and-no-SO_ERROR it reports success").
func DialTCP(ctx context.Context, host string, port uint16) (net.Conn, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, errors.New("resolution_failed").Base(err)
	}

	var lastErr error
	d := net.Dialer{}
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip, portString(port))
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return conn, nil
	}
	return nil, errors.New("connection_failed").Base(lastErr)
}

func portString(p uint16) string {
	return net.JoinHostPort("", itoa(p))[1:]
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// RetryPolicy is the fixed 5-attempt, linear-backoff schedule spec §4.10
// applies independently to each pipeline step (direct / TLS / Reality / WS
// / WSS / HTTP-Upgrade / HTTPS-Upgrade / XHTTP / XHTTPS / XHTTP-Reality).
var RetryPolicy = []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond, 800 * time.Millisecond}

// Retry runs attempt up to len(RetryPolicy) times, sleeping the matching
// backoff before each attempt after the first. It returns the first
// success or the last error once attempts are exhausted (spec: "after 5
// attempts the last error surfaces").
func Retry(ctx context.Context, attempt func(ctx context.Context) (net.Conn, error)) (net.Conn, error) {
	return RetryValue(ctx, attempt)
}

// RetryValue is Retry generalized over any pipeline-step result type, so
// the orchestrator can apply the same backoff schedule to TLS/Reality
// handshakes and transport-adapter dials, not just raw TCP connects.
func RetryValue[T any](ctx context.Context, attempt func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for _, backoff := range RetryPolicy {
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
