package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xtls/vlesstun/common/activity"
	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/common/xudp"
	"github.com/xtls/vlesstun/config"
	"github.com/xtls/vlesstun/mux"
	"github.com/xtls/vlesstun/vless"
)

// udpIdleTimeout is the full-cone NAT mapping lifetime the flow table
// sweeper enforces for an idle UDP flow (spec §4.2, §4.11).
const udpIdleTimeout = 300 * time.Second

// udpFlow is one entry in the table, keyed by the 4-tuple (spec: "UDP
// flow... Keyed by (src IP, src port, dst IP, dst port)").
type udpFlow struct {
	src, dst vnet.Destination

	mu        sync.Mutex
	dedicated *vless.Conn // set when not using mux
	session   *mux.Session
	client    *mux.Client

	last  time.Time
	timer *activity.Timer
}

// UDPManager dispatches inbound TUN-side datagrams to VLESS-UDP pipelines,
// either a fresh dedicated connection per flow or a mux session, chosen by
// cfg.MuxEnabled and cfg.XUDPEnabled alone; the flow (Vision) setting does
// not enter the choice (spec §4.10: "For
// each UDP flow: either allocate a fresh VLESS-UDP pipeline or obtain a
// mux session from the mux manager").
type UDPManager struct {
	ctx context.Context
	cfg *config.Config

	mu        sync.Mutex
	flows     map[string]*udpFlow
	muxClient *mux.Client // shared, non-XUDP mux client; lazily created
}

// NewUDPManager builds a manager that dials through cfg for every flow it
// sees.
func NewUDPManager(ctx context.Context, cfg *config.Config) *UDPManager {
	m := &UDPManager{ctx: ctx, cfg: cfg, flows: make(map[string]*udpFlow)}
	go m.sweep()
	return m
}

func flowKey(src, dst vnet.Destination) string {
	return fmt.Sprintf("%s|%s", src, dst)
}

// Handle implements transport/tun.UDPHandler: one inbound datagram from
// the tunnel, with reply wired to swap src/dst exactly as the bridge
// requires.
func (m *UDPManager) Handle(payload []byte, src, dst vnet.Destination, reply func([]byte) error) {
	if dropUDP443(m.cfg, dst) {
		// Silent drop (spec §4.8, §7 "dropped"): no flow-table entry, no
		// mux session, no dedicated VLESS-UDP pipeline is ever created
		// for this 4-tuple.
		return
	}

	key := flowKey(src, dst)

	m.mu.Lock()
	f, ok := m.flows[key]
	if !ok {
		f = &udpFlow{src: src, dst: dst, last: time.Now()}
		f.timer = activity.New(udpIdleTimeout, func() { m.evict(key) })
		m.flows[key] = f
	}
	m.mu.Unlock()

	f.mu.Lock()
	f.last = time.Now()
	f.timer.Update()
	if f.dedicated == nil && f.session == nil {
		if err := m.attach(f, src, reply); err != nil {
			f.mu.Unlock()
			m.evict(key)
			return
		}
	}
	f.mu.Unlock()

	m.send(f, payload, reply)
}

// attach opens the flow's pipeline: a dedicated XUDP mux client (one
// session, id 0) when mux and XUDP are both enabled, a session on the
// shared mux client when mux is enabled without XUDP, or a plain VLESS-UDP
// connection otherwise; Vision is not consulted (spec §4.9 "XUDP uses a
// dedicated mux client per flow with session id 0").
func (m *UDPManager) attach(f *udpFlow, src vnet.Destination, reply func([]byte) error) error {
	if m.cfg.MuxEnabled {
		globalID, hasGlobal := [8]byte{}, false
		if m.cfg.XUDPEnabled {
			globalID = xudp.GlobalID(src.Address.String(), src.Port.Value())
			hasGlobal = true
		}

		client := m.clientFor(hasGlobal)
		onData := func(p []byte) { reply(p) }
		// onClose fires when the server ends the session (or the mux
		// client itself closes): drop this flow's table entry so the next
		// datagram reattaches a fresh session instead of calling SendData
		// on one the server has already forgotten.
		onClose := func() { m.detachClosed(flowKey(f.src, f.dst), f) }
		session, err := client.CreateSession(f.dst, hasGlobal, globalID, hasGlobal, onData, onClose)
		if err != nil {
			return err
		}
		f.client = client
		f.session = session
		return nil
	}

	pipeline, err := Dial(m.ctx, m.cfg, f.dst, vless.CommandUDP)
	if err != nil {
		return err
	}
	f.dedicated = pipeline.Conn
	go m.readDedicated(f, reply)
	return nil
}

// clientFor returns the dedicated-per-flow mux client for an XUDP flow, or
// the lazily-created shared mux client for ordinary mux'd UDP (spec
// §4.9).
func (m *UDPManager) clientFor(xudpFlow bool) *mux.Client {
	if xudpFlow {
		return mux.NewClient(func() (io.ReadWriteCloser, error) {
			return m.dialMuxOuter()
		})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.muxClient == nil {
		m.muxClient = mux.NewClient(func() (io.ReadWriteCloser, error) {
			return m.dialMuxOuter()
		})
	}
	return m.muxClient
}

func (m *UDPManager) dialMuxOuter() (*vless.Conn, error) {
	pipeline, err := Dial(m.ctx, m.cfg, vless.MuxTarget, vless.CommandMux)
	if err != nil {
		return nil, err
	}
	return pipeline.Conn, nil
}

func (m *UDPManager) send(f *udpFlow, payload []byte, reply func([]byte) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.session != nil:
		f.client.SendData(f.session, payload)
	case f.dedicated != nil:
		vless.NewUDPWriter(f.dedicated).WritePacket(payload)
	}
}

func (m *UDPManager) readDedicated(f *udpFlow, reply func([]byte) error) {
	r := vless.NewUDPReader(f.dedicated)
	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			return
		}
		reply(pkt)
	}
}

// detachClosed clears f's now-dead mux session so the next datagram for this
// flow reattaches, instead of routing into a session the server has already
// forgotten (spec §4.9). Unlike evict, it never calls EndSession: the
// session is already gone on both ends by the time onClose fires.
func (m *UDPManager) detachClosed(key string, f *udpFlow) {
	f.mu.Lock()
	f.session = nil
	f.client = nil
	f.mu.Unlock()

	m.mu.Lock()
	delete(m.flows, key)
	m.mu.Unlock()
}

func (m *UDPManager) evict(key string) {
	m.mu.Lock()
	f, ok := m.flows[key]
	if ok {
		delete(m.flows, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dedicated != nil {
		f.dedicated.Close()
	}
	if f.session != nil {
		f.client.EndSession(f.session)
	}
}

// sweep periodically drops flows the activity timer already fired for but
// that a concurrent Handle raced back into the table (belt-and-suspenders
// on top of each flow's own timer callback).
func (m *UDPManager) sweep() {
	ticker := time.NewTicker(udpIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := make([]string, 0)
			for key, f := range m.flows {
				f.mu.Lock()
				idle := time.Since(f.last) > udpIdleTimeout
				f.mu.Unlock()
				if idle {
					stale = append(stale, key)
				}
			}
			m.mu.Unlock()
			for _, key := range stale {
				m.evict(key)
			}
		}
	}
}
