// Package tun bridges an already-open TUN device to a gVisor user-space
// IP stack (spec §4.2, §6.1): every TCP SYN lands on one catch-all
// forwarder and every UDP datagram lands on one catch-all transport
// handler, regardless of destination — the tunnel never pre-declares
// which ports it listens on, since it owns the entire default route.
//
// Opening the platform TUN device itself (utun/ioctl/WinTun) is outside
// this package's scope, matching the spec's "device is provided by an
// external collaborator" framing: callers hand in an already-open
// golang.zx2c4.com/wireguard/tun.Device, grounded on the teacher's own
// proxy/tun package, which likewise treats device opening as pluggable
// per platform.
package tun

import (
	"context"

	wgtun "golang.zx2c4.com/wireguard/tun"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	dest "github.com/xtls/vlesstun/common/net"
)

const nicID tcpip.NICID = 1

const (
	tcpRXBufMinSize = tcp.MinBufferSize
	tcpRXBufDefSize = tcp.DefaultSendBufferSize
	tcpRXBufMaxSize = 8 << 20

	tcpTXBufMinSize = tcp.MinBufferSize
	tcpTXBufDefSize = tcp.DefaultReceiveBufferSize
	tcpTXBufMaxSize = 6 << 20

	channelQueueLen = 1024
)

// TCPHandler receives one accepted TCP flow along with the destination the
// tunneled application dialed (the gVisor-side "local" address).
type TCPHandler func(conn *gonet.TCPConn, destination dest.Destination)

// UDPHandler receives one inbound datagram. reply sends a response
// datagram back through the tunnel with src/dest swapped, synthesizing
// the IP/UDP headers manually (spec §4.2's full-cone NAT return path).
type UDPHandler func(payload []byte, src, destination dest.Destination, reply func([]byte) error)

// Bridge owns the gVisor network stack wired to one TUN device.
type Bridge struct {
	dev     wgtun.Device
	ep      *channel.Endpoint
	stack   *stack.Stack
	cancel  context.CancelFunc
	mtu     int
	tcpHdlr TCPHandler
	udpHdlr UDPHandler
}

// New constructs the gVisor stack over dev but does not start pumping
// packets yet; call Serve to begin.
func New(dev wgtun.Device, mtu int) (*Bridge, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        false,
	}
	ipStack := stack.New(opts)
	ep := channel.New(channelQueueLen, uint32(mtu), "")

	if err := ipStack.CreateNIC(nicID, ep); err != nil {
		return nil, tcpipErr(err)
	}
	ipStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})
	if err := ipStack.SetSpoofing(nicID, true); err != nil {
		return nil, tcpipErr(err)
	}
	if err := ipStack.SetPromiscuousMode(nicID, true); err != nil {
		return nil, tcpipErr(err)
	}

	cOpt := tcpip.CongestionControlOption("cubic")
	ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &cOpt)
	sOpt := tcpip.TCPSACKEnabled(true)
	ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &sOpt)
	mOpt := tcpip.TCPModerateReceiveBufferOption(true)
	ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &mOpt)

	rxOpt := tcpip.TCPReceiveBufferSizeRangeOption{Min: tcpRXBufMinSize, Default: tcpRXBufDefSize, Max: tcpRXBufMaxSize}
	if err := ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &rxOpt); err != nil {
		return nil, tcpipErr(err)
	}
	txOpt := tcpip.TCPSendBufferSizeRangeOption{Min: tcpTXBufMinSize, Default: tcpTXBufDefSize, Max: tcpTXBufMaxSize}
	if err := ipStack.SetTransportProtocolOption(tcp.ProtocolNumber, &txOpt); err != nil {
		return nil, tcpipErr(err)
	}

	return &Bridge{dev: dev, ep: ep, stack: ipStack, mtu: mtu}, nil
}

// Serve installs the TCP and UDP catch-all handlers, starts the
// device<->stack packet pumps, and blocks until ctx is canceled or the
// device is closed.
func (b *Bridge) Serve(ctx context.Context, tcpHdlr TCPHandler, udpHdlr UDPHandler) error {
	b.tcpHdlr = tcpHdlr
	b.udpHdlr = udpHdlr

	forwarder := tcp.NewForwarder(b.stack, 0, 65535, func(r *tcp.ForwarderRequest) {
		go b.acceptTCP(r)
	})
	b.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, forwarder.HandlePacket)
	b.stack.SetTransportProtocolHandler(udp.ProtocolNumber, func(id stack.TransportEndpointID, pkt *stack.PacketBuffer) bool {
		b.handleUDP(id, pkt)
		return true
	})

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.ep.AddNotify(&writeNotifier{bridge: b})

	go b.readDeviceLoop(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// Close tears down the stack and stops the packet pumps.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.ep.Attach(nil)
	b.stack.Close()
	for _, endpoint := range b.stack.CleanupEndpoints() {
		endpoint.Abort()
	}
	return nil
}

func tcpipErr(err tcpip.Error) error {
	return &stackError{err.String()}
}

type stackError struct{ msg string }

func (e *stackError) Error() string { return e.msg }
