// Package xhttp implements the XHTTP family of transport adapters (spec
// §4.6.3-§4.6.5): packet-up (HTTP/1.1 GET+POST), stream-one (single
// chunked POST), and H2 (minimal HTTP/2 + HPACK, used only with Reality).
// Adapted from the teacher's transport/internet/splithttp package.
package xhttp

import (
	"bytes"
	"strconv"
)

// EncodeChunk returns one chunked-transfer-coded frame for data
// (spec §4.6.6).
func EncodeChunk(data []byte) []byte {
	var b bytes.Buffer
	b.WriteString(strconv.FormatInt(int64(len(data)), 16))
	b.WriteString("\r\n")
	b.Write(data)
	b.WriteString("\r\n")
	return b.Bytes()
}

// ChunkDecoder buffers a byte stream and yields whole chunk bodies,
// ignoring `;`-delimited chunk extensions (spec §4.6.6).
type ChunkDecoder struct {
	buf []byte
	eof bool
}

func NewChunkDecoder() *ChunkDecoder { return &ChunkDecoder{} }

// Feed appends newly-received bytes to the internal buffer.
func (d *ChunkDecoder) Feed(p []byte) { d.buf = append(d.buf, p...) }

// Next extracts one complete chunk body if the buffer holds one, returns
// ok=false if more data is needed, and eof=true once the zero-length
// terminator chunk has been consumed.
func (d *ChunkDecoder) Next() (chunk []byte, ok bool, eof bool) {
	if d.eof {
		return nil, false, true
	}
	idx := bytes.Index(d.buf, []byte("\r\n"))
	if idx < 0 {
		return nil, false, false
	}
	sizeField := d.buf[:idx]
	if semi := bytes.IndexByte(sizeField, ';'); semi >= 0 {
		sizeField = sizeField[:semi]
	}
	size, err := strconv.ParseInt(string(sizeField), 16, 64)
	if err != nil {
		return nil, false, false
	}
	need := idx + 2 + int(size) + 2
	if len(d.buf) < need {
		return nil, false, false
	}
	body := d.buf[idx+2 : idx+2+int(size)]
	out := make([]byte, len(body))
	copy(out, body)
	d.buf = d.buf[need:]
	if size == 0 {
		d.eof = true
		return nil, false, true
	}
	return out, true, false
}
