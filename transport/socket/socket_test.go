package socket

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestItoaAndPortString(t *testing.T) {
	require.Equal(t, "0", itoa(0))
	require.Equal(t, "443", itoa(443))
	require.Equal(t, "65535", itoa(65535))
	require.Equal(t, "8080", portString(8080))
}

func TestDialTCPConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := DialTCP(context.Background(), "127.0.0.1", uint16(port))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
}

func TestDialTCPFailsWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens on this port anymore

	_, err = DialTCP(context.Background(), "127.0.0.1", uint16(port))
	require.Error(t, err)
}

func TestRetryValueSucceedsFirstTry(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)
}

func TestRetryValueSucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 3, calls)
}

// After 5 attempts the last error surfaces (spec §4.10).
func TestRetryValueExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	_, err := RetryValue(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("attempt failed")
	})
	require.Error(t, err)
	require.Equal(t, len(RetryPolicy), calls)
}

func TestRetryValueStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		RetryValue(ctx, func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				cancel()
			}
			return 0, errors.New("fail")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RetryValue did not return after cancellation")
	}
	require.Less(t, calls, len(RetryPolicy))
}
