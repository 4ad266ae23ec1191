// Package vision implements the XTLS Vision padding/unpadding state machine
// layered on top of VLESS-over-TLS-or-Reality (spec §4.8): a reader/writer
// pair that disguises VLESS records as generic TLS application data until
// enough of the inner TLS handshake has been observed to hand the
// connection off to a direct, unencrypted copy.
// Adapted from the teacher's proxy/vless/encoding (XtlsRead/XtlsWrite/
// XtlsPadding/XtlsUnpadding/XtlsFilterTls/ReshapeMultiBuffer) and
// proxy/proxy.go (XtlsPadding/ReshapeMultiBuffer).
package vision

import (
	"bytes"
	"crypto/rand"
	"io"
	"math/big"
	"sync"
)

// TestSeed is the four-value tunable that drives long-padding sizing
// (spec §6.2 share-link key `testseed`). The default mirrors the
// teacher's fixed constants (900, 500, 900, 256).
type TestSeed [4]uint32

var DefaultTestSeed = TestSeed{900, 500, 900, 256}

// RawConn is the underlying transport once Vision is layered on it: the
// encrypted path used while still padding, and a raw passthrough used once
// either direction has switched to direct copy (spec: "that direction
// bypasses the outer TLS/Reality encryption").
type RawConn interface {
	io.Reader
	io.Writer
	WriteDirect(p []byte) (int, error)
	ReadDirect(p []byte) (int, error)
}

const bufSize = 8192

var (
	clientHelloPrefix = []byte{0x16, 0x03}
	serverHelloStart  = []byte{0x16, 0x03, 0x03}
	appDataStart      = []byte{0x17, 0x03, 0x03}
	supportedVersions = []byte{0x00, 0x2b, 0x00, 0x02, 0x03, 0x04}
)

var tls13Ciphers = map[uint16]bool{0x1301: true, 0x1302: true, 0x1303: true, 0x1304: true}

// rawBytesOf extracts bytes attached to a non-fatal decode error (e.g.
// Reality's decryption_failed signal) without coupling this package to
// any concrete transport error type.
func rawBytesOf(err error) []byte {
	rb, ok := err.(interface{ RawBytes() []byte })
	if !ok {
		return nil
	}
	return rb.RawBytes()
}

// state is shared between the Reader and the Writer of one connection so
// the reader's TLS-1.3 determination can unlock the writer's early exit
// from padding (spec: "if the reader flag enableXtls is set").
type state struct {
	mu sync.Mutex

	uuid       [16]byte
	uuidNeeded bool

	enableXtls      bool
	isTLS12OrAbove  bool
	packetsToFilter int

	writerDirectCopy bool
	readerDirectCopy bool
}

func newState(uuid [16]byte) *state {
	return &state{uuid: uuid, uuidNeeded: true, packetsToFilter: 8}
}

// NewState allocates the shared reader/writer state for one Vision
// connection, keyed by the VLESS user UUID that prefixes the first
// uplink frame.
func NewState(uuid [16]byte) *state {
	return newState(uuid)
}

// NewPair builds the matched Writer/Reader for one Vision connection over
// conn, sharing a single state so the reader's TLS-1.3 determination can
// unlock the writer's direct-copy switch (spec §4.8).
func NewPair(conn RawConn, uuid [16]byte, seed TestSeed) (*Writer, *Reader) {
	st := newState(uuid)
	return NewWriter(conn, st, seed), NewReader(conn, st, uuid)
}

func (s *state) getEnableXtls() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableXtls
}

// Writer disguises outgoing VLESS bytes as TLS application data until the
// connection has switched to direct copy.
type Writer struct {
	out      RawConn
	st       *state
	seed     TestSeed
	isTLS    bool
	inPadding bool
	checked  bool // ClientHello-detect has run
}

// NewWriter wraps out. seed controls long-padding sizing.
func NewWriter(out RawConn, st *state, seed TestSeed) *Writer {
	return &Writer{out: out, st: st, seed: seed, inPadding: true}
}

// Write applies reshaping and padding to p, or passes it straight through
// once direct copy has been triggered.
func (w *Writer) Write(p []byte) (int, error) {
	w.st.mu.Lock()
	directCopy := w.st.writerDirectCopy
	w.st.mu.Unlock()
	if directCopy {
		return w.out.WriteDirect(p)
	}
	if !w.inPadding {
		return w.out.Write(p)
	}

	if !w.checked {
		w.checked = true
		if len(p) >= 6 && bytes.Equal(p[:2], clientHelloPrefix) && p[5] == 0x01 {
			w.isTLS = true
		}
	}

	chunks := reshape(p)
	for i, chunk := range chunks {
		frame, leaving, direct := w.frame(chunk)
		if _, err := w.out.Write(frame); err != nil {
			return 0, err
		}
		if leaving {
			w.inPadding = false
			if direct {
				w.st.mu.Lock()
				w.st.writerDirectCopy = true
				w.st.mu.Unlock()
			}
			// Padding can end mid-call (the backward-compat early exit in
			// frame() need not land on the last reshaped chunk): whatever
			// remains of this Write goes out unframed, raw on direct copy
			// or plain encrypted otherwise (spec §4.8).
			for _, rest := range chunks[i+1:] {
				var werr error
				if direct {
					_, werr = w.out.WriteDirect(rest)
				} else {
					_, werr = w.out.Write(rest)
				}
				if werr != nil {
					return 0, werr
				}
			}
			return len(p), nil
		}
	}
	return len(p), nil
}

// WriteEmptyPadding emits a single zero-content padding frame so the VLESS
// request header is never sent alone (spec §4.8 "Empty padding").
func (w *Writer) WriteEmptyPadding() error {
	frame, _, _ := w.frame(nil)
	_, err := w.out.Write(frame)
	return err
}

// frame builds one padding frame for content, returning whether this frame
// leaves padding mode and, if so, whether it also enters direct copy.
func (w *Writer) frame(content []byte) ([]byte, bool, bool) {
	tlsBoundary := isCompleteApplicationData(content)

	// Backward-compat path (spec §4.8): if the reader never determines
	// this is a TLS 1.2+ handshake before its 8-packet filter window
	// runs out, end padding one packet early instead of waiting forever
	// for a TLS application-data boundary that will never arrive.
	backwardCompat := false
	if !tlsBoundary {
		w.st.mu.Lock()
		backwardCompat = !w.st.isTLS12OrAbove && w.st.packetsToFilter <= 1
		w.st.mu.Unlock()
	}
	leaving := tlsBoundary || backwardCompat

	direct := false
	command := byte(0x00)
	if leaving {
		command = 0x01
		// The direct-copy upgrade only applies on the real TLS-boundary
		// exit; the backward-compat exit always just ends padding (the
		// teacher's equivalent branch hard-codes CommandPaddingEnd).
		if tlsBoundary && w.st.getEnableXtls() {
			command = 0x02
			direct = true
		}
	}

	padding := w.paddingLen(len(content))

	var out []byte
	w.st.mu.Lock()
	if w.st.uuidNeeded {
		out = append(out, w.st.uuid[:]...)
		w.st.uuidNeeded = false
	}
	w.st.mu.Unlock()

	out = append(out, command, byte(len(content)>>8), byte(len(content)), byte(padding>>8), byte(padding))
	out = append(out, content...)
	out = append(out, randomPadding(padding)...)
	return out, leaving, direct
}

func (w *Writer) paddingLen(contentLen int) int {
	var padding int64
	if contentLen < int(w.seed[0]) && w.isTLS {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(w.seed[1])+1))
		padding = n.Int64() + int64(w.seed[2]) - int64(contentLen)
	} else if w.seed[3] > 0 {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(w.seed[3])))
		padding = n.Int64()
	}
	max := int64(bufSize - 21 - contentLen)
	if padding > max {
		padding = max
	}
	if padding < 0 {
		padding = 0
	}
	return int(padding)
}

func randomPadding(n int) []byte {
	if n <= 0 {
		return nil
	}
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// isCompleteApplicationData reports whether content is a full, parseable
// TLS application-data record ending exactly at its own boundary (spec
// §4.8 "Trigger to leave padding mode").
func isCompleteApplicationData(content []byte) bool {
	if len(content) < 5 || !bytes.Equal(content[:3], appDataStart) {
		return false
	}
	recLen := int(content[3])<<8 | int(content[4])
	return len(content) == 5+recLen
}

// reshape splits any chunk longer than bufSize-21 bytes at the last
// application-data boundary in [21, bufSize-21], or at the midpoint if no
// such boundary exists, recursively (spec §4.8).
func reshape(p []byte) [][]byte {
	if len(p) <= bufSize-21 {
		return [][]byte{p}
	}
	idx := bytes.LastIndex(p, appDataStart)
	if idx < 21 || idx > bufSize-21 {
		idx = len(p) / 2
	}
	left, right := p[:idx], p[idx:]
	return append(reshape(left), reshape(right)...)
}

// Reader reverses Writer's framing on the downlink, and independently
// filters ServerHello bytes to determine enableXtls (spec §4.8 "Reader
// algorithm").
type Reader struct {
	in  RawConn
	st  *state
	uid [16]byte

	// filter state
	isTLS                bool
	remainingServerHello  int32
	cipher                uint16

	// unpadding state; -1 marks "not yet located the first frame"
	remainingCommand int
	remainingContent  int32
	remainingPadding  int32
	sawFirstFrame     bool
	header            []byte
	currentCommand    byte

	// withinPadding mirrors the writer's inPadding on this direction: true
	// until a non-direct end-of-padding frame (command 0x01) has been
	// fully consumed, at which point unpad is never called again (spec
	// §4.8: unpadding runs only "if still withinPaddingBuffers or still
	// filtering").
	withinPadding bool

	buf bytes.Buffer
}

func NewReader(in RawConn, st *state, uuid [16]byte) *Reader {
	return &Reader{in: in, st: st, uid: uuid, remainingCommand: -1, withinPadding: true}
}

// Read returns application content, applying the unpadding state machine,
// or reads straight from the underlying direct-copy path once triggered.
func (r *Reader) Read(p []byte) (int, error) {
	r.st.mu.Lock()
	directCopy := r.st.readerDirectCopy
	r.st.mu.Unlock()
	if directCopy {
		return r.in.ReadDirect(p)
	}

	for r.buf.Len() == 0 {
		chunk := make([]byte, len(p))
		n, err := r.in.Read(chunk)
		if err != nil {
			// A Reality decryption_failed signal is non-fatal here: the
			// server has already switched to direct copy, so the raw
			// ciphertext (header included) is passed through unchanged
			// instead of propagating the error (spec §4.8, §7).
			if raw := rawBytesOf(err); raw != nil {
				r.st.mu.Lock()
				r.st.readerDirectCopy = true
				r.st.mu.Unlock()
				r.buf.Write(raw)
				break
			}
			return 0, err
		}
		chunk = chunk[:n]

		r.st.mu.Lock()
		filtering := r.st.packetsToFilter > 0
		r.st.mu.Unlock()
		if filtering {
			r.filterTLS(chunk)
		}

		if !r.withinPadding && !filtering {
			// Padding ended on this direction (a non-direct 0x01 frame
			// already ran its course) and the ServerHello filter is done
			// too: nothing in the decrypted stream is Vision-framed
			// anymore, so treat it as plain content instead of feeding it
			// to unpad, which would otherwise misread raw bytes as a
			// bogus frame header (spec §4.8).
			r.buf.Write(chunk)
			continue
		}

		out, direct, ended := r.unpad(chunk)
		r.buf.Write(out)
		if ended {
			r.withinPadding = false
		}
		if direct {
			r.st.mu.Lock()
			r.st.readerDirectCopy = true
			r.st.mu.Unlock()
			// The triggering frame may have carried zero content bytes, in
			// which case r.buf is still empty here: looping back around
			// would read the next bytes through the encrypted/unpad path
			// and misinterpret raw direct-copy bytes as a new frame header.
			break
		}
	}
	if r.buf.Len() == 0 {
		return r.in.ReadDirect(p)
	}
	return r.buf.Read(p)
}

// filterTLS scans for the ServerHello and, within its bytes, the TLS-1.3
// supported_versions extension, to decide enableXtls (spec §4.8).
func (r *Reader) filterTLS(chunk []byte) {
	r.st.mu.Lock()
	r.st.packetsToFilter--
	r.st.mu.Unlock()

	if len(chunk) >= 6 && bytes.Equal(chunk[:3], serverHelloStart) && chunk[5] == 0x02 {
		r.isTLS = true
		r.st.mu.Lock()
		r.st.isTLS12OrAbove = true
		r.st.mu.Unlock()
		recLen := int32(chunk[3])<<8 | int32(chunk[4])
		r.remainingServerHello = recLen + 5
		if len(chunk) >= 79 && r.remainingServerHello >= 79 {
			sessionIDLen := int32(chunk[43])
			cipherOff := 43 + sessionIDLen + 1
			if int(cipherOff)+2 <= len(chunk) {
				r.cipher = uint16(chunk[cipherOff])<<8 | uint16(chunk[cipherOff+1])
			}
		}
	}

	if r.remainingServerHello > 0 {
		if bytes.Contains(chunk, supportedVersions) {
			r.st.mu.Lock()
			if tls13Ciphers[r.cipher] {
				r.st.enableXtls = true
			}
			r.st.packetsToFilter = 0 // found: stop filtering either way
			r.st.mu.Unlock()
		} else {
			r.st.mu.Lock()
			if r.st.packetsToFilter <= 0 {
				// exhausted without finding the extension: TLS 1.2, stop filtering
			}
			r.st.mu.Unlock()
		}
		r.remainingServerHello -= int32(len(chunk))
	}
}

// unpad runs the inverse padding state machine over one received chunk,
// returning extracted content bytes, whether direct copy was entered, and
// whether a non-direct end-of-padding frame (command 0x01) was fully
// consumed (the caller must stop calling unpad on subsequent chunks once
// this is true, spec §4.8).
func (r *Reader) unpad(chunk []byte) ([]byte, bool, bool) {
	var out []byte
	direct := false
	ended := false

	if !r.sawFirstFrame {
		if len(chunk) >= 16+5 && bytes.Equal(chunk[:16], r.uid[:]) {
			chunk = chunk[16:]
			r.sawFirstFrame = true
			r.remainingCommand = 5
		} else {
			// no UUID match on the first frame: pass through unchanged.
			return chunk, false, false
		}
	}

	for len(chunk) > 0 {
		if r.remainingCommand > 0 {
			n := r.remainingCommand
			if n > len(chunk) {
				n = len(chunk)
			}
			r.header = append(r.header, chunk[:n]...)
			chunk = chunk[n:]
			r.remainingCommand -= n
			if r.remainingCommand == 0 && len(r.header) == 5 {
				cmd := r.header[0]
				r.remainingContent = int32(r.header[1])<<8 | int32(r.header[2])
				r.remainingPadding = int32(r.header[3])<<8 | int32(r.header[4])
				r.header = nil
				switch cmd {
				case 0x01:
					// end of padding, same direction continues encrypted
					ended = true
				case 0x02:
					direct = true
				}
				r.currentCommand = cmd
			}
			continue
		}
		if r.remainingContent > 0 {
			n := int32(len(chunk))
			if n > r.remainingContent {
				n = r.remainingContent
			}
			out = append(out, chunk[:n]...)
			chunk = chunk[n:]
			r.remainingContent -= n
			continue
		}
		if r.remainingPadding > 0 {
			n := int32(len(chunk))
			if n > r.remainingPadding {
				n = r.remainingPadding
			}
			chunk = chunk[n:]
			r.remainingPadding -= n
			continue
		}
		// frame fully consumed; start the next header unless padding has
		// ended (direct copy, or a plain non-direct end-of-padding frame)
		// — either way, whatever is left of this chunk is unframed.
		if direct || ended {
			out = append(out, chunk...)
			chunk = nil
			break
		}
		r.remainingCommand = 5
	}
	return out, direct, ended
}
