package tls13

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/xtls/vlesstun/common/errors"
)

// handshake message types (spec §4.4).
const (
	msgClientHello        = 0x01
	msgServerHello         = 0x02
	msgEncryptedExtensions = 0x08
	msgCertificate         = 0x0B
	msgCertificateVerify   = 0x0F
	msgFinished            = 0x14
)

// Options configures one standard TLS 1.3 client handshake.
type Options struct {
	ServerName    string
	ALPN          []string
	Fingerprint   Fingerprint
	AllowInsecure bool
}

// Conn is an established TLS 1.3 connection: the handshake has completed
// and application-traffic AEADs are installed.
type Conn struct {
	raw    net.Conn
	client *AEAD
	server *AEAD
	h      HashFn
	keyLen int

	recvBuf bytes.Buffer

	// DirectIn/DirectOut flag Vision's direct-copy handoff: once set, the
	// record layer is bypassed entirely and bytes flow straight to raw.
	DirectOut bool
	DirectIn  bool
}

// NegotiatedProtocol reports "tls1.3", matching the orchestrator's Vision
// precondition check (spec §4.10).
func (c *Conn) NegotiatedProtocol() string { return "tls1.3" }

// Dial performs the standard TLS 1.3 handshake over raw (spec §4.4).
func Dial(raw net.Conn, opt Options) (*Conn, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.New("tls13: failed to generate X25519 key").Base(err)
	}
	var clientRandom [32]byte
	rand.Read(clientRandom[:])
	var sessionID [32]byte
	rand.Read(sessionID[:])

	var pub [32]byte
	copy(pub[:], priv.PublicKey().Bytes())

	chMsg := Build(Params{
		Fingerprint: opt.Fingerprint,
		Random:      clientRandom,
		SessionID:   sessionID[:],
		SNI:         opt.ServerName,
		X25519Pub:   pub,
		ALPN:        opt.ALPN,
	})

	if _, err := raw.Write(wrapPlaintextRecord(0x16, chMsg)); err != nil {
		return nil, errors.New("tls13: failed to write ClientHello").Base(err)
	}

	rr := &recordReader{r: raw}

	shMsg, err := rr.readHandshakeMessage()
	if err != nil {
		return nil, errors.New("handshake_failed").Base(err)
	}
	serverRandom, cipherSuite, serverPub, err := parseServerHello(shMsg)
	if err != nil {
		return nil, errors.New("handshake_failed").Base(err)
	}
	_ = serverRandom

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
	sched := DeriveHandshakeSecrets(h, shared, transcript)

	ckey, civ := TrafficKeyIV(h, sched.ClientHSTraffic, keyLen)
	skey, siv := TrafficKeyIV(h, sched.ServerHSTraffic, keyLen)
	clientHS, _ := NewAEAD(ckey, civ)
	serverHS, _ := NewAEAD(skey, siv)

	rr.aead = serverHS

	var certs []*x509.Certificate
	var certVerifyAlg uint16
	var certVerifySig []byte
	serverFinishedVerifyData := []byte(nil)

	for serverFinishedVerifyData == nil {
		msg, err := rr.readHandshakeMessage()
		if err != nil {
			return nil, errors.New("handshake_failed").Base(err)
		}
		if len(msg) < 4 {
			return nil, errors.New("handshake_failed: short message")
		}
		msgType := msg[0]
		switch msgType {
		case msgEncryptedExtensions:
			transcript = append(transcript, msg...)
		case msgCertificate:
			transcript = append(transcript, msg...)
			certs, err = parseCertificateMessage(msg)
			if err != nil {
				return nil, errors.New("certificate_validation_failed").Base(err)
			}
		case msgCertificateVerify:
			certVerifyAlg, certVerifySig, err = parseCertificateVerify(msg)
			if err != nil {
				return nil, errors.New("certificate_validation_failed").Base(err)
			}
			if !opt.AllowInsecure {
				if err := verifyCertificateVerify(certs, certVerifyAlg, certVerifySig, transcript, h); err != nil {
					return nil, errors.New("certificate_validation_failed").Base(err)
				}
			}
			transcript = append(transcript, msg...)
		case msgFinished:
			expect := FinishedVerifyData(h, sched.ServerHSTraffic, transcript)
			if !bytes.Equal(expect, msg[4:]) {
				return nil, errors.New("handshake_failed: server Finished mismatch")
			}
			serverFinishedVerifyData = msg[4:]
			transcript = append(transcript, msg...)
		default:
			return nil, errors.New("handshake_failed: unexpected message type ", int(msgType))
		}
	}

	if !opt.AllowInsecure && len(certs) > 0 {
		if err := certs[0].VerifyHostname(opt.ServerName); err != nil {
			return nil, errors.New("certificate_validation_failed").Base(err)
		}
	}

	clientFinished := FinishedVerifyData(h, sched.ClientHSTraffic, transcript)
	finishedMsg := append([]byte{msgFinished, byte(len(clientFinished) >> 16), byte(len(clientFinished) >> 8), byte(len(clientFinished))}, clientFinished...)

	if _, err := raw.Write([]byte{0x14, 0x03, 0x03, 0x00, 0x01, 0x01}); err != nil {
		return nil, errors.New("handshake_failed: failed to write ChangeCipherSpec").Base(err)
	}
	clientHS.ResetSequence()
	if _, err := raw.Write(wrapEncryptedRecord(clientHS, finishedMsg, ContentHandshake)); err != nil {
		return nil, errors.New("handshake_failed: failed to write client Finished").Base(err)
	}

	sched.DeriveApplicationSecrets(transcript)
	ckey, civ = TrafficKeyIV(h, sched.ClientAppTraffic, keyLen)
	skey, siv = TrafficKeyIV(h, sched.ServerAppTraffic, keyLen)
	clientApp, _ := NewAEAD(ckey, civ)
	serverApp, _ := NewAEAD(skey, siv)

	return &Conn{raw: raw, client: clientApp, server: serverApp, h: h, keyLen: keyLen}, nil
}

func suiteHash(cs uint16) (HashFn, int) {
	if cs == 0x1302 {
		return SHA384, 32
	}
	return SHA256, 16
}

func wrapPlaintextRecord(contentType byte, body []byte) []byte {
	out := []byte{contentType, 0x03, 0x01, byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}

func wrapEncryptedRecord(a *AEAD, msg []byte, inner ContentType) []byte {
	return a.SealRecord(msg, inner)
}

// recordReader reassembles handshake messages out of plaintext or
// (once aead is set) AEAD-protected TLS records.
type recordReader struct {
	r    net.Conn
	aead *AEAD
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
		return rr.readRecord() // ChangeCipherSpec: ignore, read the next record
	}
	if rr.aead == nil {
		rr.buf = append(rr.buf, body...)
		return nil
	}
	var recHdr RecordHeader
	copy(recHdr[:], hdr[:])
	pt, ct, err := rr.aead.OpenRecord(recHdr, body)
	if err != nil {
		return err
	}
	if ct != ContentHandshake {
		return errors.New("tls13: unexpected inner content type during handshake")
	}
	rr.buf = append(rr.buf, pt...)
	return nil
}

// parseServerHello reads fields the server controls before the handshake
// is authenticated, so every length-prefixed slice is bounds-checked
// against what actually remains rather than trusted outright.
func parseServerHello(msg []byte) (random [32]byte, cipherSuite uint16, serverPub [32]byte, err error) {
	if len(msg) < 4+2+32+1 {
		err = errors.New("tls13: short ServerHello")
		return
	}
	body := msg[4:]
	copy(random[:], body[2:34])
	sessIDLen := int(body[34])
	off := 35 + sessIDLen
	if off+2+1+2 > len(body) {
		err = errors.New("tls13: truncated ServerHello session id")
		return
	}
	cipherSuite = uint16(body[off])<<8 | uint16(body[off+1])
	off += 2
	off++ // compression method
	extLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if off+extLen > len(body) {
		err = errors.New("tls13: truncated ServerHello extensions")
		return
	}
	ext := body[off : off+extLen]
	for len(ext) >= 4 {
		typ := uint16(ext[0])<<8 | uint16(ext[1])
		l := int(ext[2])<<8 | int(ext[3])
		if l > len(ext)-4 {
			err = errors.New("tls13: truncated ServerHello extension")
			return
		}
		val := ext[4 : 4+l]
		if typ == 0x0033 && len(val) >= 36 { // key_share
			copy(serverPub[:], val[4:36])
		}
		ext = ext[4+l:]
	}
	return
}

// parseCertificateMessage is run before the certificate chain (and
// therefore the server) is validated, so every length it reads is
// bounds-checked against what actually remains in msg.
func parseCertificateMessage(msg []byte) ([]*x509.Certificate, error) {
	if len(msg) < 4 {
		return nil, errors.New("tls13: short Certificate message")
	}
	body := msg[4:]
	if len(body) < 1 {
		return nil, errors.New("tls13: short Certificate message")
	}
	ctxLen := int(body[0])
	if 1+ctxLen > len(body) {
		return nil, errors.New("tls13: truncated Certificate context")
	}
	body = body[1+ctxLen:]
	if len(body) < 3 {
		return nil, errors.New("tls13: short Certificate list")
	}
	listLen := int(body[0])<<16 | int(body[1])<<8 | int(body[2])
	if 3+listLen > len(body) {
		return nil, errors.New("tls13: truncated Certificate list")
	}
	list := body[3 : 3+listLen]

	var certs []*x509.Certificate
	for len(list) >= 3 {
		certLen := int(list[0])<<16 | int(list[1])<<8 | int(list[2])
		if 3+certLen > len(list) {
			return nil, errors.New("tls13: truncated certificate entry")
		}
		raw := list[3 : 3+certLen]
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.New("tls13: failed to parse certificate").Base(err)
		}
		certs = append(certs, cert)
		list = list[3+certLen:]
		if len(list) < 2 {
			return nil, errors.New("tls13: truncated certificate extensions length")
		}
		extLen := int(list[0])<<8 | int(list[1])
		if 2+extLen > len(list) {
			return nil, errors.New("tls13: truncated certificate extensions")
		}
		list = list[2+extLen:]
	}
	return certs, nil
}

func parseCertificateVerify(msg []byte) (uint16, []byte, error) {
	body := msg[4:]
	if len(body) < 4 {
		return 0, nil, errors.New("tls13: short CertificateVerify")
	}
	alg := uint16(body[0])<<8 | uint16(body[1])
	sigLen := int(body[2])<<8 | int(body[3])
	if 4+sigLen > len(body) {
		return 0, nil, errors.New("tls13: truncated CertificateVerify signature")
	}
	return alg, body[4 : 4+sigLen], nil
}

// sigAlgHash maps a CertificateVerify signature-algorithm code to the hash
// it signs over and whether it is RSA-PSS, per the spec §4.4 table (0x0403
// -> ECDSA-P256-SHA256, 0x0503 -> P384-SHA384, 0x0603 -> P521-SHA512,
// 0x0804/0805/0806 -> RSA-PSS-SHA256/384/512, 0x0401 -> RSA PKCS1-SHA256).
func sigAlgHash(alg uint16) (h crypto.Hash, pss bool, pkcs1 bool, err error) {
	switch alg {
	case 0x0403:
		return crypto.SHA256, false, false, nil
	case 0x0503:
		return crypto.SHA384, false, false, nil
	case 0x0603:
		return crypto.SHA512, false, false, nil
	case 0x0804:
		return crypto.SHA256, true, false, nil
	case 0x0805:
		return crypto.SHA384, true, false, nil
	case 0x0806:
		return crypto.SHA512, true, false, nil
	case 0x0401:
		return crypto.SHA256, false, true, nil
	default:
		return 0, false, false, errors.New("unsupported CertificateVerify signature algorithm ", int(alg))
	}
}

// verifyCertificateVerify validates the server's CertificateVerify
// signature over the transcript hash, per RFC 8446 §4.4.3. The transcript
// is hashed with the cipher suite's hash (h, for the handshake context
// digest embedded in the signed content); the signature itself is then
// computed over that content using whichever hash alg names.
func verifyCertificateVerify(certs []*x509.Certificate, alg uint16, sig, transcript []byte, h HashFn) error {
	if len(certs) == 0 {
		return errors.New("no server certificate presented")
	}
	sigHash, pss, pkcs1, err := sigAlgHash(alg)
	if err != nil {
		return err
	}

	hh := h()
	hh.Write(transcript)
	digest := hh.Sum(nil)

	content := bytes.Repeat([]byte{0x20}, 64)
	content = append(content, []byte("TLS 1.3, server CertificateVerify")...)
	content = append(content, 0)
	content = append(content, digest...)

	var signed []byte
	switch sigHash {
	case crypto.SHA256:
		s := sha256.Sum256(content)
		signed = s[:]
	case crypto.SHA384:
		s := sha512.Sum384(content)
		signed = s[:]
	case crypto.SHA512:
		s := sha512.Sum512(content)
		signed = s[:]
	}

	pub := certs[0].PublicKey
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if pkcs1 {
			return rsa.VerifyPKCS1v15(key, sigHash, signed, sig)
		}
		if !pss {
			return errors.New("RSA CertificateVerify signature algorithm is not PSS or PKCS1")
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: sigHash}
		return rsa.VerifyPSS(key, sigHash, signed, sig, opts)
	case *ecdsa.PublicKey:
		if want := wantCurveFor(alg); want != nil && key.Curve != want {
			return errors.New("ECDSA CertificateVerify curve does not match signature algorithm")
		}
		if !ecdsa.VerifyASN1(key, signed, sig) {
			return errors.New("ECDSA CertificateVerify signature mismatch")
		}
		return nil
	default:
		return errors.New("unsupported server certificate key type")
	}
}

// wantCurveFor returns the curve a given ECDSA signature-algorithm code
// is pinned to, or nil if alg isn't an ECDSA code.
func wantCurveFor(alg uint16) elliptic.Curve {
	switch alg {
	case 0x0403:
		return elliptic.P256()
	case 0x0503:
		return elliptic.P384()
	case 0x0603:
		return elliptic.P521()
	default:
		return nil
	}
}

// WriteDirect writes raw bytes straight to the underlying connection,
// bypassing the record layer (spec §4.8 Vision direct-copy).
func (c *Conn) WriteDirect(p []byte) (int, error) { return c.raw.Write(p) }

// ReadDirect reads raw bytes straight from the underlying connection.
func (c *Conn) ReadDirect(p []byte) (int, error) { return c.raw.Read(p) }

// Write encrypts p as one or more application-data records.
func (c *Conn) Write(p []byte) (int, error) {
	if c.DirectOut {
		return c.raw.Write(p)
	}
	rec := c.client.SealRecord(p, ContentApplicationData)
	if _, err := c.raw.Write(rec); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts the next application-data record's content.
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
		var recHdr RecordHeader
		copy(recHdr[:], hdr[:])
		pt, ct, err := c.server.OpenRecord(recHdr, body)
		if err != nil {
			return 0, err // no raw bytes attached: Vision's reader returns it as an ordinary error
		}
		if ct == ContentHandshake {
			continue // post-handshake message such as NewSessionTicket: discarded
		}
		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}

func (c *Conn) Close() error { return c.raw.Close() }

// LocalAddr, RemoteAddr, and the deadline setters delegate to the
// underlying socket so *Conn satisfies net.Conn, letting the transport
// adapters (ws, httpupgrade, xhttp) dial over it the same way they would
// over a plain TCP connection.
func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error   { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error  { return c.raw.SetWriteDeadline(t) }
