package vless

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type loopback struct {
	out bytes.Buffer
	in  *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }

// Scenario (i) from spec §8: the header is sent lazily with the first
// Write, ahead of the first payload, and only once.
func TestConnWriteSendsHeaderOnce(t *testing.T) {
	lb := &loopback{in: bytes.NewBuffer(nil)}
	c := NewConn(lb, nil, &Request{Command: CommandTCP})

	_, err := c.Write([]byte("PING"))
	require.NoError(t, err)
	_, err = c.Write([]byte("more"))
	require.NoError(t, err)

	require.True(t, bytes.HasSuffix(lb.out.Bytes(), []byte("PINGmore")))
	// header bytes (version+uuid+addons+command+addr) precede the payload
	require.Greater(t, len(lb.out.Bytes()), len("PINGmore"))
}

func TestConnReadStripsResponseHeader(t *testing.T) {
	lb := &loopback{in: bytes.NewBuffer([]byte{0x00, 0x00, 'P', 'O', 'N', 'G'})}
	c := NewConn(lb, nil, &Request{Command: CommandTCP})

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "PONG", string(buf[:n]))
}

// Boundary behavior (spec §8.12): when the first byte isn't 0, nothing is
// consumed and the full chunk passes through unchanged.
func TestConnReadNoHeaderPassesThrough(t *testing.T) {
	lb := &loopback{in: bytes.NewBuffer([]byte("raw-data"))}
	c := NewConn(lb, nil, &Request{Command: CommandTCP})

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "raw-data", string(buf[:n]))
}

func TestConnReadHeaderSpansMultipleReads(t *testing.T) {
	r, w := io.Pipe()
	lb := &pipeConn{r: r}
	c := NewConn(lb, nil, &Request{Command: CommandTCP})

	go func() {
		w.Write([]byte{0x00})
		w.Write([]byte{0x02, 0xAA, 0xBB})
		w.Write([]byte("BODY"))
		w.Close()
	}()

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "BODY", string(buf[:n]))
}

type pipeConn struct {
	r io.Reader
}

func (p *pipeConn) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }

func TestConnDirectRawRequiresSupport(t *testing.T) {
	lb := &loopback{in: bytes.NewBuffer(nil)}
	c := NewConn(lb, nil, &Request{Command: CommandTCP})
	_, err := c.SendDirectRaw([]byte("x"))
	require.Error(t, err)
	_, err = c.ReceiveDirectRaw(make([]byte, 1))
	require.Error(t, err)
}
