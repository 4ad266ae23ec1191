package tun

import (
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	dest "github.com/xtls/vlesstun/common/net"
)

// acceptTCP completes one inbound three-way handshake and hands the
// resulting connection to the catch-all TCP handler.
func (b *Bridge) acceptTCP(r *tcp.ForwarderRequest) {
	var wq waiter.Queue
	id := r.ID()

	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}

	opts := ep.SocketOptions()
	opts.SetKeepAlive(false)
	opts.SetReuseAddress(true)
	opts.SetReusePort(true)

	destination := dest.TCPDestination(dest.IPAddress(id.LocalAddress.AsSlice()), dest.Port(id.LocalPort))
	b.tcpHdlr(gonet.NewTCPConn(&wq, ep), destination)

	ep.Close()
	r.Complete(false)
}
