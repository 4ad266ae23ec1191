package tun

import (
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	dest "github.com/xtls/vlesstun/common/net"
)

// handleUDP dispatches one inbound datagram to the catch-all UDP handler,
// giving it a reply closure that synthesizes a return datagram with
// src/dest swapped — the full-cone NAT return path spec §4.2 requires
// since gVisor has no UDP "forwarder" analogous to tcp.NewForwarder.
func (b *Bridge) handleUDP(id stack.TransportEndpointID, pkt *stack.PacketBuffer) {
	payload := pkt.Data().AsRange().ToSlice()
	if len(payload) == 0 {
		return
	}

	src := dest.UDPDestination(dest.IPAddress(id.RemoteAddress.AsSlice()), dest.Port(id.RemotePort))
	destination := dest.UDPDestination(dest.IPAddress(id.LocalAddress.AsSlice()), dest.Port(id.LocalPort))

	b.udpHdlr(payload, src, destination, func(reply []byte) error {
		return b.writeUDPReply(destination, src, reply)
	})
}

// writeUDPReply builds an IPv4 or IPv6 datagram carrying payload from src
// to dst and injects it onto the NIC as if the peer had sent it, mirroring
// the teacher's manual IP/UDP header construction for the same purpose.
func (b *Bridge) writeUDPReply(src, dst dest.Destination, payload []byte) error {
	if src.Address.Family() != dst.Address.Family() {
		return &stackError{"udp reply address family mismatch"}
	}

	udpLen := header.UDPMinimumSize + len(payload)
	srcIP := tcpip.AddrFromSlice(src.Address.IP())
	dstIP := tcpip.AddrFromSlice(dst.Address.IP())

	isIPv4 := src.Address.Family() == dest.AddressFamilyIPv4
	ipHdrSize := header.IPv6MinimumSize
	netProto := header.IPv6ProtocolNumber
	if isIPv4 {
		ipHdrSize = header.IPv4MinimumSize
		netProto = header.IPv4ProtocolNumber
	}

	pktBuf := stack.NewPacketBuffer(stack.PacketBufferOptions{
		ReserveHeaderBytes: ipHdrSize + header.UDPMinimumSize,
		Payload:            buffer.MakeWithData(payload),
	})
	defer pktBuf.DecRef()

	udpHdr := header.UDP(pktBuf.TransportHeader().Push(header.UDPMinimumSize))
	udpHdr.Encode(&header.UDPFields{
		SrcPort: uint16(src.Port),
		DstPort: uint16(dst.Port),
		Length:  uint16(udpLen),
	})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcIP, dstIP, uint16(udpLen))
	udpHdr.SetChecksum(^udpHdr.CalculateChecksum(checksum.Checksum(payload, xsum)))

	if isIPv4 {
		ipHdr := header.IPv4(pktBuf.NetworkHeader().Push(header.IPv4MinimumSize))
		ipHdr.Encode(&header.IPv4Fields{
			TotalLength: uint16(header.IPv4MinimumSize + udpLen),
			TTL:         64,
			Protocol:    uint8(header.UDPProtocolNumber),
			SrcAddr:     srcIP,
			DstAddr:     dstIP,
		})
		ipHdr.SetChecksum(^ipHdr.CalculateChecksum())
	} else {
		ipHdr := header.IPv6(pktBuf.NetworkHeader().Push(header.IPv6MinimumSize))
		ipHdr.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(udpLen),
			TransportProtocol: header.UDPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           srcIP,
			DstAddr:           dstIP,
		})
	}

	var raw []byte
	for _, view := range pktBuf.AsSlices() {
		raw = append(raw, view...)
	}
	b.stack.WriteRawPacket(nicID, netProto, buffer.MakeWithData(raw))
	return nil
}
