package tls13

import (
	"crypto/sha256"
	"encoding/binary"
)

// Fingerprint selects which browser's ClientHello shape to emit.
type Fingerprint int

const (
	FingerprintChrome Fingerprint = iota
	FingerprintFirefox
	FingerprintSafari
	FingerprintIOS
	FingerprintEdge
	FingerprintRandom
)

// greaseTable is the 16-entry GREASE candidate table indexed by
// (random-byte-derived index) mod 16 (spec §4.3.3).
var greaseTable = [16]uint16{
	0x0A0A, 0x1A1A, 0x2A2A, 0x3A3A, 0x4A4A, 0x5A5A, 0x6A6A, 0x7A7A,
	0x8A8A, 0x9A9A, 0xAAAA, 0xBABA, 0xCACA, 0xDADA, 0xEAEA, 0xFAFA,
}

// IsGREASE reports whether v looks like a GREASE value (spec §8.15).
func IsGREASE(v uint16) bool { return v&0x0F0F == 0x0A0A }

// greaseFromRandom derives one GREASE-shaped value from a byte of the
// client random, per the 16-entry table indexed modulo 16.
func greaseFromRandom(b0 byte) uint16 {
	return greaseTable[int(b0)%16]
}

// permuteExtensions applies the Chrome 106+ deterministic Fisher-Yates
// permutation seeded from client random bytes 24-31 (spec §4.3.3).
func permuteExtensions(random [32]byte, ext [][]byte) [][]byte {
	seed := binary.BigEndian.Uint64(random[24:32])
	out := append([][]byte(nil), ext...)
	for i := len(out) - 1; i > 0; i-- {
		seed = seed*6364136223846793005 + 1442695040888963407
		j := (seed >> 33) % uint64(i+1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// derivedP256Scalar computes Firefox's deterministic P-256 key-share
// scalar from SHA-256(random || "p256-fingerprint") (spec §4.3.3).
func derivedP256Scalar(random [32]byte) [32]byte {
	h := sha256.New()
	h.Write(random[:])
	h.Write([]byte("p256-fingerprint"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// echChainedBytes derives one of the GREASE-ECH sub-fields by SHA-256
// chaining random||suffix, truncated/extended to n bytes by repeated
// hashing (spec §4.3.3).
func echChainedBytes(random [32]byte, suffix string, n int) []byte {
	out := make([]byte, 0, n)
	block := random[:]
	for len(out) < n {
		h := sha256.New()
		h.Write(block)
		h.Write([]byte(suffix))
		sum := h.Sum(nil)
		out = append(out, sum...)
		block = sum
	}
	return out[:n]
}

// BuildGREASEECH constructs the GREASE-ECH extension payload (spec §4.3.3).
// For Chrome, payloadLen is chosen from {144,176,208,240} indexed by
// random[30] % 4.
func BuildGREASEECH(fp Fingerprint, random [32]byte) []byte {
	enc := echChainedBytes(random, "ech-enc", 32)
	configID := echChainedBytes(random, "ech-config", 1)[0]

	payloadLen := 128
	if fp == FingerprintChrome {
		lens := [4]int{144, 176, 208, 240}
		payloadLen = lens[random[30]%4]
	}
	payload := echChainedBytes(random, "ech-payload", payloadLen)

	out := make([]byte, 0, 1+2+2+1+2+len(enc)+2+len(payload))
	out = append(out, 0) // outer ClientHello type
	out = append(out, 0, 0)
	out = append(out, 0, 0)
	out = append(out, configID)
	out = append(out, byte(len(enc)>>8), byte(len(enc)))
	out = append(out, enc...)
	out = append(out, byte(payloadLen>>8), byte(payloadLen))
	out = append(out, payload...)
	return out
}

// Params parameterize one ClientHello build (spec §4.3.3).
type Params struct {
	Fingerprint Fingerprint
	Random      [32]byte
	SessionID   []byte // arbitrary length accepted, though real TLS uses 32
	SNI         string
	X25519Pub   [32]byte
	ALPN        []string
}

// cipherSuiteLists per fingerprint (spec: "fixed cipher-suite list").
// TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256
// plus a representative legacy tail, consistent across fingerprints here —
// real browsers vary subtly, but they all lead with the TLS 1.3 AEAD trio
// this client actually negotiates.
var cipherSuites = []uint16{0x1301, 0x1302, 0x1303, 0xC02B, 0xC02F, 0xC02C, 0xC030}

// Build constructs the ClientHello handshake message body (not including
// the outer TLS record header), applying GREASE, extension permutation
// (Chrome), the optional P-256 key share (Firefox), and BoringSSL-style
// padding so the final message is exactly 512 bytes when its unpadded
// length falls in [256, 508]; an unpadded length of 509-511 gets the
// 4-byte minimum padding extension instead (spec §4.3.3).
func Build(p Params) []byte {
	grease1 := greaseFromRandom(p.Random[24])
	grease2 := greaseFromRandom(p.Random[28])

	var body []byte
	body = append(body, 0x03, 0x03) // legacy_version TLS 1.2
	body = append(body, p.Random[:]...)
	body = append(body, byte(len(p.SessionID)))
	body = append(body, p.SessionID...)

	var suites []byte
	if p.Fingerprint != FingerprintRandom {
		suites = append(suites, byte(grease1>>8), byte(grease1))
	}
	for _, cs := range cipherSuites {
		suites = append(suites, byte(cs>>8), byte(cs))
	}
	body = append(body, byte(len(suites)>>8), byte(len(suites)))
	body = append(body, suites...)

	body = append(body, 1, 0) // compression methods: null only

	exts := buildExtensions(p, grease1, grease2)
	if p.Fingerprint == FingerprintChrome {
		exts = permuteExtensions(p.Random, exts)
	}

	var extBody []byte
	for _, e := range exts {
		extBody = append(extBody, e...)
	}

	msgLenSoFar := len(body) + 2 + len(extBody) + 4 // +4 for handshake header
	if needsPadding(p.Fingerprint) && msgLenSoFar >= 256 && msgLenSoFar <= 511 {
		padExt := paddingExtension(512 - msgLenSoFar)
		extBody = append(extBody, padExt...)
	}

	body = append(body, byte(len(extBody)>>8), byte(len(extBody)))
	body = append(body, extBody...)

	msg := make([]byte, 0, 4+len(body))
	msg = append(msg, 0x01) // handshake type: client_hello
	msg = append(msg, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	msg = append(msg, body...)
	return msg
}

func needsPadding(fp Fingerprint) bool {
	switch fp {
	case FingerprintChrome, FingerprintSafari, FingerprintIOS, FingerprintEdge:
		return true
	default:
		return false
	}
}

// paddingExtension builds extension type 0x0015 (padding) with n zero bytes.
func paddingExtension(n int) []byte {
	if n < 4 {
		n = 4
	}
	body := n - 4
	out := []byte{0x00, 0x15, byte(body >> 8), byte(body)}
	out = append(out, make([]byte, body)...)
	return out
}

func ext(typ uint16, body []byte) []byte {
	out := []byte{byte(typ >> 8), byte(typ), byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}

func buildExtensions(p Params, grease1, grease2 uint16) [][]byte {
	var exts [][]byte

	exts = append(exts, ext(uint16(grease2), nil)) // GREASE extension marker

	if p.SNI != "" {
		sni := buildSNI(p.SNI)
		exts = append(exts, ext(0x0000, sni))
	}

	exts = append(exts, ext(0x000B, []byte{1, 0})) // ec_point_formats: uncompressed

	groups := []byte{0, 4, 0x00, 0x1d, 0x00, 0x17} // x25519, secp256r1
	exts = append(exts, ext(0x000A, groups))

	sigAlgs := []byte{
		0, 10,
		0x04, 0x03, 0x08, 0x04, 0x04, 0x01,
		0x05, 0x03, 0x08, 0x05, 0x08, 0x06,
	}
	exts = append(exts, ext(0x000D, sigAlgs))

	exts = append(exts, ext(0x0010, buildALPN(p.ALPN))) // application_layer_protocol_negotiation

	exts = append(exts, ext(0x0017, nil)) // extended_master_secret
	exts = append(exts, ext(0xFF01, []byte{0}))

	exts = append(exts, ext(0x002B, []byte{2, 0x03, 0x04})) // supported_versions: TLS 1.3 only

	exts = append(exts, ext(0x002D, []byte{1, 1})) // psk_key_exchange_modes: psk_dhe_ke

	exts = append(exts, ext(0x0033, buildKeyShare(p)))

	if p.Fingerprint == FingerprintChrome || p.Fingerprint == FingerprintEdge {
		exts = append(exts, BuildGREASEECH(p.Fingerprint, p.Random))
	}

	return exts
}

func buildSNI(host string) []byte {
	entry := append([]byte{0, byte(len(host) >> 8), byte(len(host))}, host...)
	out := []byte{byte(len(entry) >> 8), byte(len(entry))}
	return append(out, entry...)
}

func buildALPN(protocols []string) []byte {
	var list []byte
	for _, p := range protocols {
		list = append(list, byte(len(p)))
		list = append(list, []byte(p)...)
	}
	out := []byte{byte(len(list) >> 8), byte(len(list))}
	return append(out, list...)
}

func buildKeyShare(p Params) []byte {
	var entries []byte
	entries = append(entries, 0x00, 0x1d) // x25519
	entries = append(entries, 0, 32)
	entries = append(entries, p.X25519Pub[:]...)

	if p.Fingerprint == FingerprintFirefox {
		p256 := derivedP256Scalar(p.Random)
		entries = append(entries, 0x00, 0x17) // secp256r1
		entries = append(entries, 0, 32)
		entries = append(entries, p256[:]...)
	}

	out := []byte{byte(len(entries) >> 8), byte(len(entries))}
	return append(out, entries...)
}
