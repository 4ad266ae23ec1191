package orchestrator

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtls/vlesstun/common/errors"
	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/mux"
)

// When the server ends a mux/XUDP UDP session, detachClosed must drop the
// flow's table entry and clear its stale session/client so the next
// datagram for the same 4-tuple reattaches instead of routing into a
// session the server has already forgotten (spec §4.9, §4.11).
func TestDetachClosedDropsFlowAndClearsSession(t *testing.T) {
	m := &UDPManager{flows: make(map[string]*udpFlow)}
	src := vnet.TCPDestination(vnet.DomainAddress("10.8.0.2"), 12345)
	dst := vnet.TCPDestination(vnet.DomainAddress("example.com"), 53)

	client := mux.NewClient(func() (io.ReadWriteCloser, error) {
		return nil, errors.New("unused")
	})
	f := &udpFlow{src: src, dst: dst, client: client, session: &mux.Session{ID: 1, Target: dst}}
	key := flowKey(src, dst)
	m.flows[key] = f

	m.detachClosed(key, f)

	_, stillPresent := m.flows[key]
	require.False(t, stillPresent)
	require.Nil(t, f.client)
	require.Nil(t, f.session)
}
