package mux

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	vnet "github.com/xtls/vlesstun/common/net"
)

// Round-trip law (spec §8.11): mux frames encoded back to back decode, one
// ReadFrame call each, into the original frame list.
func TestWriteReadFrameRoundTrip(t *testing.T) {
	var wire []byte
	wire = WriteFrame(wire, Metadata{SessionID: 1, Status: StatusNew, Target: vnet.TCPDestination(vnet.DomainAddress("example.com"), 443)}, []byte("hi"))
	wire = WriteFrame(wire, Metadata{SessionID: 1, Status: StatusKeep}, []byte("more"))
	wire = WriteFrame(wire, Metadata{SessionID: 1, Status: StatusEnd}, nil)

	r := NewReader(bytes.NewReader(wire))

	m1, p1, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, uint16(1), m1.SessionID)
	require.Equal(t, StatusNew, m1.Status)
	require.Equal(t, "example.com", m1.Target.Address.Domain())
	require.Equal(t, vnet.Port(443), m1.Target.Port)
	require.Equal(t, []byte("hi"), p1)

	m2, p2, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, StatusKeep, m2.Status)
	require.Equal(t, []byte("more"), p2)

	m3, p3, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, StatusEnd, m3.Status)
	require.Empty(t, p3)
}

// Scenario (v) from spec §8: two interleaved sessions in one chunk must
// demultiplex without cross-delivery.
func TestReadFrameTwoSessionsOneChunk(t *testing.T) {
	var wire []byte
	wire = WriteFrame(wire, Metadata{SessionID: 1, Status: StatusKeep}, []byte("A"))
	wire = WriteFrame(wire, Metadata{SessionID: 2, Status: StatusKeep}, []byte("BB"))

	r := NewReader(bytes.NewReader(wire))
	seen := map[uint16][]byte{}
	for i := 0; i < 2; i++ {
		m, p, err := r.ReadFrame()
		require.NoError(t, err)
		seen[m.SessionID] = p
	}
	require.Equal(t, []byte("A"), seen[1])
	require.Equal(t, []byte("BB"), seen[2])
}

func TestWriteFrameUDPKeepCarriesAddress(t *testing.T) {
	var wire []byte
	target := vnet.UDPDestination(vnet.IPAddress(net.ParseIP("192.0.2.1")), 53)
	wire = WriteFrame(wire, Metadata{SessionID: 7, Status: StatusKeep, Target: target}, []byte("q"))

	r := NewReader(bytes.NewReader(wire))
	m, p, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", m.Target.Address.String())
	require.Equal(t, []byte("q"), p)
}

func TestWriteFrameXUDPGlobalID(t *testing.T) {
	var wire []byte
	target := vnet.UDPDestination(vnet.DomainAddress("example.com"), 53)
	var gid [8]byte
	copy(gid[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	wire = WriteFrame(wire, Metadata{SessionID: 1, Status: StatusNew, Target: target, GlobalID: gid, HasGlobal: true}, nil)

	r := NewReader(bytes.NewReader(wire))
	m, _, err := r.ReadFrame()
	require.NoError(t, err)
	require.True(t, m.HasGlobal)
	require.Equal(t, gid, m.GlobalID)
}
