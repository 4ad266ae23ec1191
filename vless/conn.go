package vless

import (
	"io"

	"github.com/xtls/vlesstun/common/errors"
)

// rawConn is the capability set a VLESS connection needs from whatever
// carries it: a transport node, or a Vision reader/writer pair composed
// together (spec §4.7 "Transport stack... polymorphic byte-stream
// nodes").
type rawConn interface {
	io.Reader
	io.Writer
}

// Conn wraps a transport-layer stream to add VLESS request-header send
// (once, lazily on first Write) and response-header strip (once, on
// first Read), per spec §4.7.
type Conn struct {
	under  rawConn
	closer io.Closer
	req    *Request

	headerSent bool

	respDone bool
	respBuf  []byte
}

// NewConn wraps under (already transport-established) to speak VLESS for
// req. closer is invoked by Close, and may be nil when under already
// implements io.Closer via a separate reference the caller retains.
func NewConn(under rawConn, closer io.Closer, req *Request) *Conn {
	return &Conn{under: under, closer: closer, req: req}
}

// Write sends the VLESS request header ahead of the first payload and
// plain payload bytes on every call after.
func (c *Conn) Write(p []byte) (int, error) {
	if !c.headerSent {
		c.headerSent = true
		if err := EncodeRequestHeader(c.under, c.req); err != nil {
			return 0, err
		}
	}
	return c.under.Write(p)
}

// SendHeaderOnly forces the VLESS request header onto the wire with no
// accompanying payload, for a caller with no initial uplink data to pair
// it with (spec §4.8 "Empty padding": a server-speaks-first flow must not
// leave the header unsent indefinitely waiting on a first app Write).
func (c *Conn) SendHeaderOnly() error {
	if c.headerSent {
		return nil
	}
	c.headerSent = true
	return EncodeRequestHeader(c.under, c.req)
}

// Read strips the VLESS response header from the very first bytes that
// arrive, prepending buffered remainders across calls until the header
// is complete (spec: "if the prefix is short, bytes from subsequent
// receives are prepended until the header is complete").
func (c *Conn) Read(p []byte) (int, error) {
	if c.respDone {
		if len(c.respBuf) > 0 {
			n := copy(p, c.respBuf)
			c.respBuf = c.respBuf[n:]
			return n, nil
		}
		return c.under.Read(p)
	}

	for {
		n := ResponseHeaderLen(c.respBuf)
		if n == -1 {
			chunk := make([]byte, 512)
			rn, err := c.under.Read(chunk)
			if rn > 0 {
				c.respBuf = append(c.respBuf, chunk[:rn]...)
			}
			if err != nil {
				return 0, err
			}
			continue
		}
		c.respDone = true
		c.respBuf = c.respBuf[n:]
		if len(c.respBuf) > 0 {
			cn := copy(p, c.respBuf)
			c.respBuf = c.respBuf[cn:]
			return cn, nil
		}
		return c.under.Read(p)
	}
}

// SendDirectRaw and ReceiveDirectRaw bypass the outermost encryption
// layer, used by Vision once its direct-copy handoff has triggered (spec
// §4.8). under must additionally implement the Vision RawConn direct
// methods; this is a caller contract, not enforced by the type system,
// since not every transport node supports a direct path.
type directConn interface {
	WriteDirect(p []byte) (int, error)
	ReadDirect(p []byte) (int, error)
}

func (c *Conn) SendDirectRaw(p []byte) (int, error) {
	dc, ok := c.under.(directConn)
	if !ok {
		return 0, errors.New("not_connected: underlying connection has no direct path")
	}
	return dc.WriteDirect(p)
}

func (c *Conn) ReceiveDirectRaw(p []byte) (int, error) {
	dc, ok := c.under.(directConn)
	if !ok {
		return 0, errors.New("not_connected: underlying connection has no direct path")
	}
	return dc.ReadDirect(p)
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	if cl, ok := c.under.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
