// Package ws implements the WebSocket transport adapter (spec §4.6.1):
// RFC 6455 client handshake plus masked binary framing, carried over an
// already-dialed net.Conn (raw, TLS, or Reality).
// Adapted from the teacher's transport/internet/websocket/dialer.go, which
// wires the same github.com/gorilla/websocket dependency for the same
// purpose.
package ws

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/xtls/vlesstun/common/errors"
)

// Config describes one WebSocket dial.
type Config struct {
	Host              string
	Path              string
	Headers           http.Header
	EarlyData         []byte
	MaxEarlyDataBytes int
	EarlyDataHeader   string
}

// Conn adapts a *websocket.Conn to a plain io.ReadWriteCloser, carrying
// binary-frame payloads.
type Conn struct {
	ws      *websocket.Conn
	carry   []byte
}

// Dial performs the WebSocket upgrade handshake over raw, an already
// connected (and possibly already TLS-wrapped) net.Conn, and returns the
// framed connection.
func Dial(raw net.Conn, cfg Config) (*Conn, error) {
	header := cfg.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(cfg.EarlyData) > 0 && cfg.MaxEarlyDataBytes > 0 && cfg.EarlyDataHeader != "" {
		ed := cfg.EarlyData
		if len(ed) > cfg.MaxEarlyDataBytes {
			ed = ed[:cfg.MaxEarlyDataBytes]
		}
		header.Set(cfg.EarlyDataHeader, base64.RawURLEncoding.EncodeToString(ed))
	}

	u := url.URL{Scheme: "ws", Host: cfg.Host, Path: cfg.Path}
	dialer := &websocket.Dialer{
		NetDial: func(string, string) (net.Conn, error) { return raw, nil },
	}
	wsConn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, errors.New("WebSocket handshake failed").Base(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, errors.New(fmt.Sprintf("WebSocket handshake returned status %d", resp.StatusCode))
	}
	return &Conn{ws: wsConn}, nil
}

// Write sends one binary frame per call.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next binary/text frame's payload. Ping frames are
// answered automatically by the underlying library's default handler
// (spec: "0x09 (ping) auto-answered with 0x0A and same payload"); close
// frames surface as an error from ReadMessage.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.carry) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.carry = data
	}
	n := copy(p, c.carry)
	c.carry = c.carry[n:]
	return n, nil
}

func (c *Conn) Close() error { return c.ws.Close() }
