package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vnet "github.com/xtls/vlesstun/common/net"
)

// CreateSession triggers a lazy dial on the first call (spec §4.9 "Client
// lifecycle"); the resulting "new" frame must carry the session's target.
func TestClientLazyDialAndSendNew(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := NewClient(func() (io.ReadWriteCloser, error) {
		return clientConn, nil
	})
	defer c.Close()

	target := vnet.TCPDestination(vnet.DomainAddress("example.com"), 443)
	_, err := c.CreateSession(target, false, [8]byte{}, false, nil, nil)
	require.NoError(t, err)

	r := NewReader(serverConn)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, _, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, StatusNew, m.Status)
	require.Equal(t, uint16(1), m.SessionID)
	require.Equal(t, "example.com", m.Target.Address.Domain())
}

// Session ids count from 1 and skip 0 on wraparound (spec §4.9).
func TestClientSessionIDSkipsZero(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewClient(func() (io.ReadWriteCloser, error) { return clientConn, nil })
	defer c.Close()

	c.mu.Lock()
	c.nextID = 0xFFFF
	c.mu.Unlock()

	target := vnet.TCPDestination(vnet.DomainAddress("a"), 1)
	s1, err := c.CreateSession(target, false, [8]byte{}, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFF), s1.ID)

	s2, err := c.CreateSession(target, false, [8]byte{}, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(1), s2.ID) // wraps, skipping 0
}

// Deliver/close invariants (spec §4.9 receive demultiplex): a session hands
// each non-empty payload to its data handler, skips empty ones, and one
// close call invokes its close handler once.
func TestSessionDeliverAndClose(t *testing.T) {
	var got []byte
	var closed int
	s := &Session{ID: 1, onData: func(p []byte) { got = append(got, p...) }, onClose: func() { closed++ }}

	s.deliver([]byte("hi"))
	require.Equal(t, []byte("hi"), got)

	s.deliver(nil) // empty payload must not invoke onData again with nothing useful
	require.Equal(t, []byte("hi"), got)

	s.close()
	require.Equal(t, 1, closed)
}
