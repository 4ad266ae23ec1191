package orchestrator

import (
	"context"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/config"
	"github.com/xtls/vlesstun/vless"
)

// initialReadWait bounds how long sendInitial waits for the tunneled app
// to speak first before the header is sent on its own (spec §4.8 "Empty
// padding": "When the orchestrator has no initial application bytes to
// pair with the VLESS request header").
const initialReadWait = 50 * time.Millisecond

// NewTCPHandler is the TCP counterpart to UDPManager.Handle: it builds a
// handler matching transport/tun.TCPHandler that dials the VLESS pipeline
// for each accepted flow and relays it (spec §4.10).
func NewTCPHandler(ctx context.Context, cfg *config.Config) func(conn *gonet.TCPConn, destination vnet.Destination) {
	return func(conn *gonet.TCPConn, destination vnet.Destination) {
		pipeline, err := Dial(ctx, cfg, destination, vless.CommandTCP)
		if err != nil {
			conn.Close()
			return
		}
		if err := sendInitial(conn, pipeline); err != nil {
			conn.Close()
			pipeline.Conn.Close()
			return
		}
		RelayTCP(ctx, conn, pipeline.Conn)
	}
}

// sendInitial pairs the VLESS request header with whatever uplink bytes
// the app already has queued. If nothing arrives within initialReadWait —
// a server-speaks-first flow — the header is sent alone and, under
// Vision, followed by an explicit empty-padding frame so it is never left
// unsent or unpaired (spec §4.8 "Empty padding", §4.10).
func sendInitial(conn *gonet.TCPConn, p *Pipeline) error {
	conn.SetReadDeadline(time.Now().Add(initialReadWait))
	buf := make([]byte, 16*1024)
	n, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{})

	if n > 0 {
		_, werr := p.Conn.Write(buf[:n])
		return werr
	}
	if err != nil && !isTimeout(err) {
		return err
	}

	if err := p.Conn.SendHeaderOnly(); err != nil {
		return err
	}
	if p.Vision && p.visionWriter != nil {
		return p.visionWriter.WriteEmptyPadding()
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
