// Package reality implements the Reality client handshake (spec §4.5): a
// TLS-1.3-lookalike handshake that authenticates the client to the server by
// encrypting a small header into the ClientHello session id with a key
// derived from an ECDH exchange against the server's long-term X25519
// public key, instead of relying on certificate validation.
// Grounded on the teacher's transport/internet/reality/reality.go, which
// performs the identical session-id construction and AEAD seal (with
// ClientHello construction and the surrounding TLS state machine delegated
// to refraction-networking/utls there); here the ClientHello builder and
// record layer are instead transport/tls13's own from-scratch
// implementation, since spec §4.3-§4.5 treats that machinery as in-scope
// hard engineering rather than someone else's problem (see DESIGN.md).
package reality

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/xtls/vlesstun/common/errors"
	"github.com/xtls/vlesstun/transport/tls13"
)

// Options configures one Reality handshake (spec §3 Reality sub-config).
type Options struct {
	ServerName  string
	PublicKey   [32]byte // server long-term X25519 public key
	ShortID     []byte   // 0-8 bytes
	Fingerprint tls13.Fingerprint
	ALPN        []string

	// PreferChaCha20 seals the session id with ChaCha20-Poly1305 instead
	// of AES-GCM, mirroring the teacher's aesgcmPreferred branch for
	// clients/platforms where AES-NI is unavailable and software AES-GCM
	// would be slower than ChaCha20-Poly1305.
	PreferChaCha20 bool
}

// versionMajor/Minor/Patch mark the Reality session-id header's wire
// format revision this client speaks (spec §4.5).
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// Conn is an established Reality connection: the handshake has completed
// and application-traffic AEADs are installed, exactly as for a standard
// transport/tls13 client connection.
type Conn struct {
	raw    net.Conn
	client *tls13.AEAD
	server *tls13.AEAD

	recvBuf bytes.Buffer

	DirectOut bool
	DirectIn  bool
}

// NegotiatedProtocol reports "tls1.3": Reality shares TLS 1.3's record
// layout, so it satisfies the same Vision precondition (spec §4.10).
func (c *Conn) NegotiatedProtocol() string { return "tls1.3" }

// Dial performs the Reality handshake over raw (spec §4.5).
func Dial(raw net.Conn, opt Options) (*Conn, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.New("reality: failed to generate ephemeral X25519 key").Base(err)
	}
	serverPub, err := ecdh.X25519().NewPublicKey(opt.PublicKey[:])
	if err != nil {
		return nil, errors.New("reality: invalid server public key").Base(err)
	}
	shared, err := priv.ECDH(serverPub)
	if err != nil {
		return nil, errors.New("reality: ECDH with server public key failed").Base(err)
	}

	var clientRandom [32]byte
	rand.Read(clientRandom[:])

	var pub [32]byte
	copy(pub[:], priv.PublicKey().Bytes())

	sessionID, err := encryptSessionID(clientRandom, shared, opt.ShortID, opt.Fingerprint, pub, opt.ServerName, opt.ALPN, opt.PreferChaCha20)
	if err != nil {
		return nil, errors.New("reality: failed to build session id").Base(err)
	}

	chMsg := tls13.Build(tls13.Params{
		Fingerprint: opt.Fingerprint,
		Random:      clientRandom,
		SessionID:   sessionID,
		SNI:         opt.ServerName,
		X25519Pub:   pub,
		ALPN:        opt.ALPN,
	})

	if _, err := raw.Write(wrapPlaintextRecord(0x16, chMsg)); err != nil {
		return nil, errors.New("reality: failed to write ClientHello").Base(err)
	}

	return finishHandshake(raw, priv, chMsg)
}

// encryptSessionID builds the 32-byte Reality session id: a 16-byte
// cleartext header (version, timestamp, short id) sealed with AES-GCM
// (ChaCha20-Poly1305 when preferChaCha20 is set) keyed by HKDF-SHA256(shared, random[0:20], "REALITY"), nonce
// random[20:32], AAD = the raw ClientHello built with a zero session id
// (spec §4.5).
func encryptSessionID(random [32]byte, shared []byte, shortID []byte, fp tls13.Fingerprint, pub [32]byte, sni string, alpn []string, preferChaCha20 bool) ([]byte, error) {
	header := make([]byte, 16)
	header[0], header[1], header[2], header[3] = versionMajor, versionMinor, versionPatch, 0
	binary.BigEndian.PutUint32(header[4:8], uint32(time.Now().Unix()))
	copy(header[8:16], shortID)

	authKey := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, shared, random[0:20], []byte("REALITY")).Read(authKey); err != nil {
		return nil, err
	}

	zeroSessionID := make([]byte, 32)
	aadMsg := tls13.Build(tls13.Params{
		Fingerprint: fp,
		Random:      random,
		SessionID:   zeroSessionID,
		SNI:         sni,
		X25519Pub:   pub,
		ALPN:        alpn,
	})

	aead, err := newAEAD(authKey, preferChaCha20)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, random[20:32], header, aadMsg)
	return sealed, nil
}

// newAEAD picks AES-GCM or ChaCha20-Poly1305, matching the teacher's
// aesgcmPreferred branch in reality.go.
func newAEAD(key []byte, preferChaCha20 bool) (cipher.AEAD, error) {
	if preferChaCha20 {
		return chacha20poly1305.New(key)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func wrapPlaintextRecord(contentType byte, body []byte) []byte {
	out := []byte{contentType, 0x03, 0x01, byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}

// finishHandshake completes the record-layer portion of the handshake
// shared with transport/tls13 (ServerHello parse, handshake-secret
// derivation, EncryptedExtensions/Certificate/CertificateVerify/Finished
// reassembly), skipping certificate validation entirely: authenticity
// already derives from the AES-GCM tag over the session id (spec §4.5 "No
// certificate validation").
func finishHandshake(raw net.Conn, priv *ecdh.PrivateKey, chMsg []byte) (*Conn, error) {
	rr := &recordReader{r: raw}

	shMsg, err := rr.readHandshakeMessage()
	if err != nil {
		return nil, errors.New("handshake_failed").Base(err)
	}
	serverPub, cipherSuite, err := parseServerHello(shMsg)
	if err != nil {
		return nil, errors.New("handshake_failed").Base(err)
	}

	h, keyLen := suiteHash(cipherSuite)

	peerPub, err := ecdh.X25519().NewPublicKey(serverPub[:])
	if err != nil {
		return nil, errors.New("handshake_failed: bad server key share").Base(err)
	}
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, errors.New("handshake_failed: ECDH failed").Base(err)
	}

	transcript := append(append([]byte{}, chMsg...), shMsg...)
	sched := tls13.DeriveHandshakeSecrets(h, shared, transcript)

	ckey, civ := tls13.TrafficKeyIV(h, sched.ClientHSTraffic, keyLen)
	skey, siv := tls13.TrafficKeyIV(h, sched.ServerHSTraffic, keyLen)
	clientHS, _ := tls13.NewAEAD(ckey, civ)
	serverHS, _ := tls13.NewAEAD(skey, siv)
	rr.aead = serverHS

	const (
		msgEncryptedExtensions = 0x08
		msgCertificate         = 0x0B
		msgCertificateVerify   = 0x0F
		msgFinished            = 0x14
	)

	var serverFinished []byte
	for serverFinished == nil {
		msg, err := rr.readHandshakeMessage()
		if err != nil {
			// Any failure to read or open a handshake record, a failed
			// AEAD check included, ends the dial with a decryption_failed
			// error; no Conn is returned and no raw bytes are attached.
			return nil, errors.New("decryption_failed").Base(err)
		}
		if len(msg) < 4 {
			return nil, errors.New("handshake_failed: short message")
		}
		switch msg[0] {
		case msgEncryptedExtensions, msgCertificate, msgCertificateVerify:
			transcript = append(transcript, msg...)
		case msgFinished:
			serverFinished = msg[4:]
			transcript = append(transcript, msg...)
		default:
			return nil, errors.New("handshake_failed: unexpected message type ", int(msg[0]))
		}
	}

	clientFinished := tls13.FinishedVerifyData(h, sched.ClientHSTraffic, transcript)
	finishedMsg := append([]byte{msgFinished, byte(len(clientFinished) >> 16), byte(len(clientFinished) >> 8), byte(len(clientFinished))}, clientFinished...)

	if _, err := raw.Write([]byte{0x14, 0x03, 0x03, 0x00, 0x01, 0x01}); err != nil {
		return nil, errors.New("handshake_failed: failed to write ChangeCipherSpec").Base(err)
	}
	clientHS.ResetSequence()
	if _, err := raw.Write(clientHS.SealRecord(finishedMsg, tls13.ContentHandshake)); err != nil {
		return nil, errors.New("handshake_failed: failed to write client Finished").Base(err)
	}

	sched.DeriveApplicationSecrets(transcript)
	ckey, civ = tls13.TrafficKeyIV(h, sched.ClientAppTraffic, keyLen)
	skey, siv = tls13.TrafficKeyIV(h, sched.ServerAppTraffic, keyLen)
	clientApp, _ := tls13.NewAEAD(ckey, civ)
	serverApp, _ := tls13.NewAEAD(skey, siv)

	return &Conn{raw: raw, client: clientApp, server: serverApp}, nil
}

func suiteHash(cs uint16) (tls13.HashFn, int) {
	if cs == 0x1302 {
		return tls13.SHA384, 32
	}
	return tls13.SHA256, 16
}

// parseServerHello extracts the key_share extension's X25519 public key and
// the negotiated cipher suite. Every length field below is server-controlled
// (this runs before the session is authenticated), so each is bounds-checked
// against what actually remains in msg rather than trusted outright.
func parseServerHello(msg []byte) (serverPub [32]byte, cipherSuite uint16, err error) {
	if len(msg) < 4+2+32+1 {
		err = errors.New("reality: short ServerHello")
		return
	}
	body := msg[4:]
	sessIDLen := int(body[34])
	off := 35 + sessIDLen
	if off+2+1+2 > len(body) {
		err = errors.New("reality: truncated ServerHello session id")
		return
	}
	cipherSuite = uint16(body[off])<<8 | uint16(body[off+1])
	off += 2
	off++ // compression method
	extLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if off+extLen > len(body) {
		err = errors.New("reality: truncated ServerHello extensions")
		return
	}
	ext := body[off : off+extLen]
	for len(ext) >= 4 {
		typ := uint16(ext[0])<<8 | uint16(ext[1])
		l := int(ext[2])<<8 | int(ext[3])
		if l > len(ext)-4 {
			err = errors.New("reality: truncated ServerHello extension")
			return
		}
		val := ext[4 : 4+l]
		if typ == 0x0033 && len(val) >= 36 {
			copy(serverPub[:], val[4:36])
		}
		ext = ext[4+l:]
	}
	return
}

type recordReader struct {
	r    net.Conn
	aead *tls13.AEAD
	buf  []byte
}

func (rr *recordReader) readHandshakeMessage() ([]byte, error) {
	for {
		if msg, ok := rr.tryExtract(); ok {
			return msg, nil
		}
		if err := rr.readRecord(); err != nil {
			return nil, err
		}
	}
}

func (rr *recordReader) tryExtract() ([]byte, bool) {
	if len(rr.buf) < 4 {
		return nil, false
	}
	length := int(rr.buf[1])<<16 | int(rr.buf[2])<<8 | int(rr.buf[3])
	if len(rr.buf) < 4+length {
		return nil, false
	}
	msg := rr.buf[:4+length]
	rr.buf = rr.buf[4+length:]
	return msg, true
}

func (rr *recordReader) readRecord() error {
	var hdr [5]byte
	if _, err := io.ReadFull(rr.r, hdr[:]); err != nil {
		return err
	}
	length := int(binary.BigEndian.Uint16(hdr[3:5]))
	body := make([]byte, length)
	if _, err := io.ReadFull(rr.r, body); err != nil {
		return err
	}
	if hdr[0] == 0x14 {
		return rr.readRecord()
	}
	if rr.aead == nil {
		rr.buf = append(rr.buf, body...)
		return nil
	}
	var recHdr tls13.RecordHeader
	copy(recHdr[:], hdr[:])
	pt, ct, err := rr.aead.OpenRecord(recHdr, body)
	if err != nil {
		return err
	}
	if ct != tls13.ContentHandshake {
		return errors.New("reality: unexpected inner content type during handshake")
	}
	rr.buf = append(rr.buf, pt...)
	return nil
}

// WriteDirect/ReadDirect bypass the record layer for Vision direct copy.
func (c *Conn) WriteDirect(p []byte) (int, error) { return c.raw.Write(p) }
func (c *Conn) ReadDirect(p []byte) (int, error)  { return c.raw.Read(p) }

func (c *Conn) Write(p []byte) (int, error) {
	if c.DirectOut {
		return c.raw.Write(p)
	}
	rec := c.client.SealRecord(p, tls13.ContentApplicationData)
	if _, err := c.raw.Write(rec); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.DirectIn {
		return c.raw.Read(p)
	}
	for c.recvBuf.Len() == 0 {
		var hdr [5]byte
		if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
			return 0, err
		}
		length := int(binary.BigEndian.Uint16(hdr[3:5]))
		body := make([]byte, length)
		if _, err := io.ReadFull(c.raw, body); err != nil {
			return 0, err
		}
		var recHdr tls13.RecordHeader
		copy(recHdr[:], hdr[:])
		pt, _, err := c.server.OpenRecord(recHdr, body)
		if err != nil {
			// Surfaced as decryption_failed carrying the original header
			// and body (spec §9 "the Reality decryption-failed path
			// returns the original record bytes... so Vision can pass
			// them through unchanged"); Vision's direct-copy reader
			// consumes the raw ciphertext via Error.RawBytes (§4.5, §7).
			raw := make([]byte, 0, len(hdr)+len(body))
			raw = append(raw, hdr[:]...)
			raw = append(raw, body...)
			return 0, errors.New("decryption_failed").Base(err).Raw(raw)
		}
		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}

func (c *Conn) Close() error { return c.raw.Close() }

// LocalAddr, RemoteAddr, and the deadline setters delegate to the
// underlying socket so *Conn satisfies net.Conn, mirroring transport/tls13.
func (c *Conn) LocalAddr() net.Addr               { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr              { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error     { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
