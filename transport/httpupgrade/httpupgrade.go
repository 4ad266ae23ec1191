// Package httpupgrade implements the HTTP-Upgrade transport adapter (spec
// §4.6.2): a single 101 handshake followed by raw TCP passthrough with no
// further framing.
// Adapted from the teacher's transport/internet/httpupgrade/dialer.go and
// connection.go.
package httpupgrade

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/xtls/vlesstun/common/errors"
)

// Config describes one HTTP-Upgrade dial.
type Config struct {
	Host    string
	Path    string
	Headers http.Header
}

// Dial sends the upgrade request over raw and, on a valid 101 response,
// returns a Conn that passes bytes through unmodified from then on. Any
// bytes already read past the header terminator are buffered for the
// first Read (spec: "Bytes received in the same read as the header
// terminator are buffered for the first receive").
func Dial(raw net.Conn, cfg Config) (*Conn, error) {
	req := "GET " + cfg.Path + " HTTP/1.1\r\n"
	req += "Host: " + cfg.Host + "\r\n"
	req += "Connection: Upgrade\r\n"
	req += "Upgrade: websocket\r\n"
	for k, vs := range cfg.Headers {
		for _, v := range vs {
			req += k + ": " + v + "\r\n"
		}
	}
	req += "\r\n"

	if _, err := raw.Write([]byte(req)); err != nil {
		return nil, errors.New("failed to write HTTP-Upgrade request").Base(err)
	}

	br := bufio.NewReader(raw)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, errors.New("failed to read HTTP-Upgrade status line").Base(err)
	}
	if !strings.Contains(line, "101") {
		return nil, errors.New(fmt.Sprintf("unexpected HTTP-Upgrade status line: %q", line))
	}

	tp := textproto.NewReader(br)
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, errors.New("failed to read HTTP-Upgrade response headers").Base(err)
	}
	if !strings.EqualFold(hdr.Get("Upgrade"), "websocket") {
		return nil, errors.New("HTTP-Upgrade response missing Upgrade: websocket")
	}
	if !strings.Contains(strings.ToLower(hdr.Get("Connection")), "upgrade") {
		return nil, errors.New("HTTP-Upgrade response missing Connection: upgrade")
	}

	return &Conn{Conn: raw, br: br}, nil
}

// Conn is the raw connection after a successful upgrade: reads first drain
// bufio's look-ahead buffer, then pass straight through to raw.
type Conn struct {
	net.Conn
	br *bufio.Reader
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}
