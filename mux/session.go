package mux

import vnet "github.com/xtls/vlesstun/common/net"

// Session is one logical flow carried inside a Client's outer connection.
type Session struct {
	ID     uint16
	Target vnet.Destination

	onData  func([]byte)
	onClose func()

	// XUDP GlobalID for the session's new frame, kept for a send that
	// waits on the outer connection.
	globalID  [8]byte
	hasGlobal bool
}

func (s *Session) deliver(payload []byte) {
	if len(payload) > 0 && s.onData != nil {
		s.onData(payload)
	}
}

func (s *Session) close() {
	if s.onClose != nil {
		s.onClose()
	}
}
