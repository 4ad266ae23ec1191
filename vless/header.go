// Package vless implements the VLESS request/response header codec and the
// UDP length-framing used once a connection is established (spec §4.7).
// Adapted from the teacher's proxy/vless/encoding package.
package vless

import (
	"io"

	"github.com/xtls/vlesstun/common/errors"
	vnet "github.com/xtls/vlesstun/common/net"
)

// Version is the only VLESS wire version this client speaks.
const Version = byte(0)

// Command identifies the requested flow kind.
type Command byte

const (
	CommandTCP Command = 0x01
	CommandUDP Command = 0x02
	CommandMux Command = 0x03
)

// FlowVision is the only non-empty flow string this client supports.
const FlowVision = "xtls-rprx-vision"

// MuxTarget is the conventional, wire-omitted destination of the mux
// control channel (spec §4.7).
var MuxTarget = vnet.TCPDestination(vnet.DomainAddress("v1.mux.cool"), 666)

// Request is the parsed form of a VLESS request header.
type Request struct {
	Version byte
	ID      [16]byte
	Flow    string
	Command Command
	Dest    vnet.Destination
}

// EncodeRequestHeader writes the request header (spec §4.7) to w.
func EncodeRequestHeader(w io.Writer, req *Request) error {
	var b []byte
	b = append(b, Version)
	b = append(b, req.ID[:]...)
	b = appendAddons(b, req.Flow)
	b = append(b, byte(req.Command))
	if req.Command != CommandMux {
		vnet.WriteAddressPort(&b, req.Dest.Address, req.Dest.Port)
	}
	if _, err := w.Write(b); err != nil {
		return errors.New("failed to write VLESS request header").Base(err)
	}
	return nil
}

// appendAddons encodes the single-field addons block: a one-byte protobuf
// message length followed by, when flow is non-empty, the wire-minimal
// encoding of field 1 (tag byte 0x0A, varint length, raw bytes) carrying the
// flow string. This is a fixed single-field message dictated by the VLESS
// wire format itself; there is no generated message type to marshal (no
// protobuf toolchain is run here), so the three bytes of framing are
// written by hand rather than through a protobuf library.
func appendAddons(b []byte, flow string) []byte {
	if flow == "" {
		return append(b, 0)
	}
	msg := make([]byte, 0, 2+len(flow))
	msg = append(msg, 0x0A, byte(len(flow)))
	msg = append(msg, flow...)
	return append(append(b, byte(len(msg))), msg...)
}

// DecodeResponseHeader reads the server's response header (spec §4.7):
// version byte, addons length byte, addons bytes. Only the flow field is
// ever meaningful on the response path and the client has no use for it,
// so addons bytes are discarded once their length is known.
func DecodeResponseHeader(r io.Reader, expectVersion byte) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return errors.New("failed to read VLESS response version").Base(err)
	}
	if hdr[0] != expectVersion {
		return errors.New("unexpected VLESS response version ", int(hdr[0]))
	}
	if _, err := io.ReadFull(r, hdr[1:2]); err != nil {
		return errors.New("failed to read VLESS response addons length").Base(err)
	}
	if n := int(hdr[1]); n > 0 {
		discard := make([]byte, n)
		if _, err := io.ReadFull(r, discard); err != nil {
			return errors.New("failed to read VLESS response addons").Base(err)
		}
	}
	return nil
}

// ResponseHeaderLen inspects a buffered prefix and returns how many bytes
// the response header occupies, or -1 if more data is needed before that
// can be determined (spec §4.7: "if this exceeds the chunk, return
// 'need more' without emitting data").
func ResponseHeaderLen(buffered []byte) int {
	if len(buffered) < 1 {
		return -1
	}
	if buffered[0] != 0 {
		// First byte isn't a version the client sent; treat as absent
		// header per spec ("If the first byte is not 0, the header is
		// absent; the bytes are application data").
		return 0
	}
	if len(buffered) < 2 {
		return -1
	}
	total := 2 + int(buffered[1])
	if len(buffered) < total {
		return -1
	}
	return total
}
