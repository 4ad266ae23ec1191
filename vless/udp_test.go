package vless

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUDPWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewUDPWriter(&buf)
	require.NoError(t, w.WritePacket([]byte("hello")))
	require.NoError(t, w.WritePacket([]byte{}))
	require.NoError(t, w.WritePacket(bytes.Repeat([]byte("x"), 300)))

	r := NewUDPReader(&buf)
	p1, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), p1)

	p2, err := r.ReadPacket()
	require.NoError(t, err)
	require.Empty(t, p2)

	p3, err := r.ReadPacket()
	require.NoError(t, err)
	require.Len(t, p3, 300)
}

// Boundary behavior (spec §8.13 analogue for UDP framing): a datagram
// split across several short reads from the underlying stream must still
// be reassembled as one packet.
func TestUDPReaderPartialReads(t *testing.T) {
	full := []byte{0x00, 0x03, 'a', 'b', 'c'}
	pr, pw := chunkedPipe(full, 1)
	defer pw.Close()
	r := NewUDPReader(pr)
	pkt, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), pkt)
}

func TestUDPWritePacketTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewUDPWriter(&buf)
	err := w.WritePacket(make([]byte, 0x10000))
	require.Error(t, err)
}
