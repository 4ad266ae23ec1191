package xhttp

import (
	"bufio"
	"net"

	"github.com/xtls/vlesstun/common/errors"
)

// StreamOne implements the single-POST chunked XHTTP mode (spec §4.6.4).
type StreamOne struct {
	conn    net.Conn
	br      *bufio.Reader
	decoder *ChunkDecoder
	carry   []byte
}

// DialStreamOne sends the single chunked POST request and validates the 200
// response; subsequent Write/Read calls chunk-encode/decode the body.
func DialStreamOne(raw net.Conn, cfg Config) (*StreamOne, error) {
	req := "POST " + cfg.Path + " HTTP/1.1\r\n"
	req += "Host: " + cfg.Host + "\r\n"
	req += "Transfer-Encoding: chunked\r\n"
	req += "\r\n"

	if _, err := raw.Write([]byte(req)); err != nil {
		return nil, errors.New("xhttp stream-one: failed to write request").Base(err)
	}

	br := bufio.NewReader(raw)
	status, err := readStatusLine(br)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, errors.New("xhttp stream-one: status ", status)
	}
	if _, err := readHeaders(br); err != nil {
		return nil, err
	}

	return &StreamOne{conn: raw, br: br, decoder: NewChunkDecoder()}, nil
}

func (s *StreamOne) Write(p []byte) (int, error) {
	if _, err := s.conn.Write(EncodeChunk(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *StreamOne) Read(out []byte) (int, error) {
	for len(s.carry) == 0 {
		if chunk, ok, eof := s.decoder.Next(); ok {
			s.carry = chunk
			break
		} else if eof {
			return 0, errors.New("xhttp stream-one: stream ended")
		}
		buf := make([]byte, 32*1024)
		n, err := s.br.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
		}
		if err != nil {
			return 0, err
		}
	}
	n := copy(out, s.carry)
	s.carry = s.carry[n:]
	return n, nil
}

func (s *StreamOne) Close() error { return s.conn.Close() }
