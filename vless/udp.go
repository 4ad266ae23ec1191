package vless

import (
	"io"

	"github.com/xtls/vlesstun/common/errors"
)

// UDPWriter length-prefixes each datagram with a big-endian u16, per VLESS
// UDP framing (spec §4.7).
type UDPWriter struct {
	w io.Writer
}

func NewUDPWriter(w io.Writer) *UDPWriter { return &UDPWriter{w: w} }

func (u *UDPWriter) WritePacket(payload []byte) error {
	if len(payload) > 0xFFFF {
		return errors.New("UDP payload too large for VLESS framing: ", len(payload))
	}
	hdr := [2]byte{byte(len(payload) >> 8), byte(len(payload))}
	if _, err := u.w.Write(hdr[:]); err != nil {
		return errors.New("failed to write VLESS UDP length prefix").Base(err)
	}
	if _, err := u.w.Write(payload); err != nil {
		return errors.New("failed to write VLESS UDP payload").Base(err)
	}
	return nil
}

// compactThreshold is the read-offset point at which UDPReader compacts its
// internal buffer (spec §4.7: "compacted when the read offset exceeds 8 KiB").
const compactThreshold = 8 * 1024

// UDPReader buffers partial reads from the underlying stream and emits
// whole length-prefixed datagrams.
type UDPReader struct {
	r      io.Reader
	buf    []byte
	offset int
}

func NewUDPReader(r io.Reader) *UDPReader {
	return &UDPReader{r: r, buf: make([]byte, 0, 4096)}
}

// ReadPacket returns the next complete datagram, reading more from the
// underlying stream as needed.
func (u *UDPReader) ReadPacket() ([]byte, error) {
	for {
		if pkt, ok := u.tryExtract(); ok {
			return pkt, nil
		}
		chunk := make([]byte, 4096)
		n, err := u.r.Read(chunk)
		if n > 0 {
			u.buf = append(u.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (u *UDPReader) tryExtract() ([]byte, bool) {
	avail := u.buf[u.offset:]
	if len(avail) < 2 {
		return nil, false
	}
	length := int(avail[0])<<8 | int(avail[1])
	if len(avail) < 2+length {
		return nil, false
	}
	pkt := make([]byte, length)
	copy(pkt, avail[2:2+length])
	u.offset += 2 + length
	if u.offset > compactThreshold {
		u.buf = append(u.buf[:0], u.buf[u.offset:]...)
		u.offset = 0
	}
	return pkt, true
}
