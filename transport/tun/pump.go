package tun

import (
	"context"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// readDeviceLoop moves raw IP packets read off the TUN device into the
// gVisor NIC, dispatching by IP version the same way the wireguard
// gvisor-netstack adapter's Write method does.
func (b *Bridge) readDeviceLoop(ctx context.Context) {
	bufs := make([][]byte, 1)
	bufs[0] = make([]byte, b.mtu+32)
	sizes := make([]int, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := b.dev.Read(bufs, sizes, 0)
		if err != nil {
			return
		}
		if n == 0 || sizes[0] == 0 {
			continue
		}

		packet := bufs[0][:sizes[0]]
		pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(append([]byte(nil), packet...))})
		switch packet[0] >> 4 {
		case 4:
			b.ep.InjectInbound(header.IPv4ProtocolNumber, pkb)
		case 6:
			b.ep.InjectInbound(header.IPv6ProtocolNumber, pkb)
		}
		pkb.DecRef()
	}
}

// writeNotifier drains the stack's outbound queue and writes each packet
// back out through the TUN device, the mirror image of readDeviceLoop.
type writeNotifier struct {
	bridge *Bridge
}

func (w *writeNotifier) WriteNotify() {
	pkt := w.bridge.ep.Read()
	if pkt == nil {
		return
	}
	view := pkt.ToView()
	pkt.DecRef()

	data := view.AsSlice()
	bufs := [][]byte{data}
	w.bridge.dev.Write(bufs, 0)
}
