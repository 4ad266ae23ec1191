package xhttp

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/xtls/vlesstun/common/errors"
)

// Config describes one XHTTP session's addressing.
type Config struct {
	Host              string
	Path              string
	UserAgent         string
	MaxEachPostBytes  int
}

func paddingReferer(host, path string) string {
	n := 100 + int(randByte())*900/256
	pad := strings.Repeat("X", n)
	return fmt.Sprintf("https://%s%s/?x_padding=%s", host, path, pad)
}

func randByte() byte {
	var b [1]byte
	rand.Read(b[:])
	return b[0]
}

func randomSessionID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// UploadDialer opens a fresh upload connection on demand (spec: "Open
// upload connections on demand via a factory").
type UploadDialer func() (net.Conn, error)

// PacketUp implements the packet-up client: one long-lived download
// connection plus on-demand POST uploads (spec §4.6.3).
type PacketUp struct {
	cfg       Config
	sessionID string

	download *bufio.Reader
	downConn net.Conn
	decoder  *ChunkDecoder
	carry    []byte

	dial UploadDialer
	mu   sync.Mutex
	seq  int
}

// DialPacketUp opens the GET download stream.
func DialPacketUp(raw net.Conn, cfg Config, dial UploadDialer) (*PacketUp, error) {
	sid := randomSessionID()
	path := fmt.Sprintf("%s/%s/", cfg.Path, sid)

	req := "GET " + path + " HTTP/1.1\r\n"
	req += "Host: " + cfg.Host + "\r\n"
	if cfg.UserAgent != "" {
		req += "User-Agent: " + cfg.UserAgent + "\r\n"
	}
	req += "Referer: " + paddingReferer(cfg.Host, path) + "\r\n"
	req += "\r\n"

	if _, err := raw.Write([]byte(req)); err != nil {
		return nil, errors.New("xhttp packet-up: failed to write download request").Base(err)
	}

	br := bufio.NewReader(raw)
	status, err := readStatusLine(br)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, errors.New("xhttp packet-up: download status ", status)
	}
	if _, err := readHeaders(br); err != nil {
		return nil, err
	}

	return &PacketUp{
		cfg:       cfg,
		sessionID: sid,
		download:  br,
		downConn:  raw,
		decoder:   NewChunkDecoder(),
		dial:      dial,
	}, nil
}

func readStatusLine(br *bufio.Reader) (int, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, errors.New("failed to read HTTP status line").Base(err)
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return 0, errors.New("malformed HTTP status line: ", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.New("malformed HTTP status code: ", parts[1])
	}
	return code, nil
}

func readHeaders(br *bufio.Reader) (http.Header, error) {
	tp := textproto.NewReader(br)
	mh, err := tp.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return nil, errors.New("failed to read HTTP headers").Base(err)
	}
	return http.Header(mh), nil
}

// Read returns the next decoded chunk's bytes from the download stream,
// carrying over any tail that didn't fit in out to the next call.
func (p *PacketUp) Read(out []byte) (int, error) {
	for len(p.carry) == 0 {
		if chunk, ok, eof := p.decoder.Next(); ok {
			p.carry = chunk
			break
		} else if eof {
			return 0, errors.New("xhttp packet-up: download stream ended")
		}
		buf := make([]byte, 32*1024)
		n, err := p.download.Read(buf)
		if n > 0 {
			p.decoder.Feed(buf[:n])
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(out, p.carry)
	p.carry = p.carry[n:]
	return n, nil
}

// Write issues one or more POST uploads for data, splitting it into
// chunks of at most MaxEachPostBytes (spec §4.6.3).
func (p *PacketUp) Write(data []byte) (int, error) {
	max := p.cfg.MaxEachPostBytes
	if max <= 0 {
		max = len(data)
	}
	total := len(data)
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if err := p.postOnce(data[:n]); err != nil {
			return 0, err
		}
		data = data[n:]
	}
	return total, nil
}

func (p *PacketUp) postOnce(body []byte) error {
	p.mu.Lock()
	seq := p.seq
	p.seq++
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		return errors.New("xhttp packet-up: failed to open upload connection").Base(err)
	}
	defer conn.Close()

	path := fmt.Sprintf("%s/%s/%d", p.cfg.Path, p.sessionID, seq)
	req := "POST " + path + " HTTP/1.1\r\n"
	req += "Host: " + p.cfg.Host + "\r\n"
	req += "Content-Length: " + strconv.Itoa(len(body)) + "\r\n"
	req += "Content-Type: application/grpc\r\n"
	req += "Connection: keep-alive\r\n"
	req += "Referer: " + paddingReferer(p.cfg.Host, path) + "\r\n"
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return errors.New("xhttp packet-up: failed to write POST headers").Base(err)
	}
	if _, err := conn.Write(body); err != nil {
		return errors.New("xhttp packet-up: failed to write POST body").Base(err)
	}

	br := bufio.NewReader(conn)
	status, err := readStatusLine(br)
	if err != nil {
		return err
	}
	if status != 200 {
		return errors.New("xhttp packet-up: upload status ", status)
	}
	return nil
}

func (p *PacketUp) Close() error { return p.downConn.Close() }
