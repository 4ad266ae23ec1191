// Package mux implements the multiplexer that carries many logical TCP/UDP
// flows over one outer VLESS-TCP connection (spec §4.9): frame codec,
// per-session demultiplexer, write serializer, and XUDP GlobalID wiring.
// Adapted from the teacher's common/mux package.
package mux

import (
	"encoding/binary"
	"io"

	"github.com/xtls/vlesstun/common/errors"
	vnet "github.com/xtls/vlesstun/common/net"
)

// SessionStatus is the frame-level lifecycle byte (spec §4.9).
type SessionStatus byte

const (
	StatusNew       SessionStatus = 0x01
	StatusKeep      SessionStatus = 0x02
	StatusEnd       SessionStatus = 0x03
	StatusKeepAlive SessionStatus = 0x04
)

// Option is the frame option bitmask.
type Option byte

const (
	OptionData  Option = 0x01
	OptionError Option = 0x02
)

func (o Option) Has(bit Option) bool { return o&bit != 0 }

// wire network bytes, spec §4.9
const (
	netTCP = 0x01
	netUDP = 0x02
)

// Metadata is one decoded frame header.
type Metadata struct {
	SessionID uint16
	Status    SessionStatus
	Option    Option
	Target    vnet.Destination // valid when Status==New, or Status==Keep for UDP
	GlobalID  [8]byte
	HasGlobal bool
}

// WriteFrame appends one encoded frame (metadata, and payload if non-empty)
// to b and returns the result.
func WriteFrame(b []byte, m Metadata, payload []byte) []byte {
	meta := make([]byte, 0, 32)
	meta = binary.BigEndian.AppendUint16(meta, m.SessionID)
	meta = append(meta, byte(m.Status))

	opt := m.Option
	if len(payload) > 0 {
		opt |= OptionData
	}
	meta = append(meta, byte(opt))

	needsAddr := m.Status == StatusNew || (m.Status == StatusKeep && m.Target.Network == vnet.NetworkUDP)
	if needsAddr {
		if m.Target.Network == vnet.NetworkUDP {
			meta = append(meta, netUDP)
		} else {
			meta = append(meta, netTCP)
		}
		vnet.WriteAddressPort(&meta, m.Target.Address, m.Target.Port)
		if m.Target.Network == vnet.NetworkUDP && m.HasGlobal {
			meta = append(meta, m.GlobalID[:]...)
		}
	}

	b = binary.BigEndian.AppendUint16(b, uint16(len(meta)))
	b = append(b, meta...)

	if opt.Has(OptionData) {
		b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
		b = append(b, payload...)
	}
	return b
}

// Reader decodes a stream of mux frames.
type Reader struct {
	r   io.Reader
	buf [2]byte
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadFrame blocks until one full (metadata, payload) pair is available.
func (fr *Reader) ReadFrame() (Metadata, []byte, error) {
	var m Metadata

	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		return m, nil, err
	}
	metaLen := int(binary.BigEndian.Uint16(fr.buf[:]))
	if metaLen < 4 {
		return m, nil, errors.New("mux frame metadata too short: ", metaLen)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(fr.r, meta); err != nil {
		return m, nil, err
	}

	m.SessionID = binary.BigEndian.Uint16(meta[0:2])
	m.Status = SessionStatus(meta[2])
	m.Option = Option(meta[3])
	rest := meta[4:]

	if m.Status == StatusNew || (m.Status == StatusKeep && len(rest) > 0) {
		if len(rest) < 1 {
			return m, nil, errors.New("mux frame missing network byte")
		}
		network := rest[0]
		rest = rest[1:]
		addr, port, n, err := vnet.ReadAddressPort(rest)
		if err != nil {
			return m, nil, errors.New("failed to decode mux frame address").Base(err)
		}
		rest = rest[n:]
		if network == netUDP {
			m.Target = vnet.UDPDestination(addr, port)
			if len(rest) >= 8 {
				copy(m.GlobalID[:], rest[:8])
				m.HasGlobal = true
			}
		} else {
			m.Target = vnet.TCPDestination(addr, port)
		}
	}

	if !m.Option.Has(OptionData) {
		return m, nil, nil
	}

	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		return m, nil, err
	}
	payloadLen := int(binary.BigEndian.Uint16(fr.buf[:]))
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return m, nil, err
		}
	}
	return m, payload, nil
}
