package reality

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/xtls/vlesstun/transport/tls13"
)

// Scenario (ii) from spec §8: the 28+ byte (actually 32-byte, see
// DESIGN.md's Open Question resolution) AES-GCM session-id ciphertext must
// be reproducible purely from the algorithm in spec §4.5, and the AAD is
// the raw ClientHello built with a zero session id.
func TestEncryptSessionIDRoundTrips(t *testing.T) {
	var random [32]byte
	shared := make([]byte, 32)
	shortID := []byte{0xAB, 0xCD}
	var pub [32]byte

	sealed, err := encryptSessionID(random, shared, shortID, tls13.FingerprintChrome, pub, "example.com", nil, false)
	require.NoError(t, err)
	require.Len(t, sealed, 16+16) // 16-byte header + 16-byte GCM tag

	authKey := make([]byte, 32)
	_, err = hkdf.New(sha256.New, shared, random[0:20], []byte("REALITY")).Read(authKey)
	require.NoError(t, err)

	zeroSessionID := make([]byte, 32)
	aad := tls13.Build(tls13.Params{
		Fingerprint: tls13.FingerprintChrome,
		Random:      random,
		SessionID:   zeroSessionID,
		SNI:         "example.com",
		X25519Pub:   pub,
	})

	aead, err := newAEAD(authKey, false)
	require.NoError(t, err)
	header, err := aead.Open(nil, random[20:32], sealed, aad)
	require.NoError(t, err)
	require.Len(t, header, 16)

	require.Equal(t, byte(versionMajor), header[0])
	require.Equal(t, byte(versionMinor), header[1])
	require.Equal(t, byte(versionPatch), header[2])
	require.Equal(t, byte(0), header[3])

	ts := binary.BigEndian.Uint32(header[4:8])
	require.InDelta(t, uint32(time.Now().Unix()), ts, 5)

	wantShortID := make([]byte, 8)
	copy(wantShortID, shortID)
	require.Equal(t, wantShortID, header[8:16])
}

func TestEncryptSessionIDChaCha20Variant(t *testing.T) {
	var random [32]byte
	random[0] = 7
	shared := make([]byte, 32)
	sealed, err := encryptSessionID(random, shared, nil, tls13.FingerprintFirefox, [32]byte{}, "host", nil, true)
	require.NoError(t, err)
	require.Len(t, sealed, 16+16) // Poly1305 tag is also 16 bytes
}

func TestWrapPlaintextRecordHeader(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03}
	rec := wrapPlaintextRecord(0x16, body)
	require.Equal(t, []byte{0x16, 0x03, 0x01, 0x00, 0x03, 0x01, 0x02, 0x03}, rec)
}

// A record that fails to decrypt must surface as decryption_failed carrying
// the original header+body bytes, not a bare error, so Vision can pass them
// through unchanged while readerDirectCopy is false (spec §4.5, §4.8, §9).
func TestReadSurfacesDecryptionFailedWithRawBytes(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 12)
	aead, err := tls13.NewAEAD(key, iv)
	require.NoError(t, err)

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	defer serverEnd.Close()

	conn := &Conn{raw: clientEnd, server: aead}

	ciphertext := make([]byte, 32) // no valid AEAD tag, Open fails
	hdr := tls13.NewRecordHeader(len(ciphertext))
	record := append(append([]byte{}, hdr[:]...), ciphertext...)

	go func() { serverEnd.Write(record) }()

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)

	rb, ok := err.(interface{ RawBytes() []byte })
	require.True(t, ok, "decryption_failed error must carry RawBytes")
	require.True(t, bytes.Equal(record, rb.RawBytes()))
}

// Every length field parseServerHello reads comes from the server, before
// the session is authenticated, so a short or malicious ServerHello must
// return an error rather than slicing out of range (spec §4.5).
func TestParseServerHelloRejectsTruncatedMessages(t *testing.T) {
	body := func(sessIDLen, extLen int, extBytes []byte) []byte {
		b := make([]byte, 2+32) // legacy_version + random
		b = append(b, byte(sessIDLen))
		b = append(b, make([]byte, sessIDLen)...)
		b = append(b, 0x13, 0x01) // cipher suite
		b = append(b, 0x00)       // compression method
		b = append(b, byte(extLen>>8), byte(extLen))
		b = append(b, extBytes...)
		return b
	}
	msg := func(b []byte) []byte {
		return append([]byte{0x02, 0, 0, byte(len(b))}, b...)
	}

	_, _, err := parseServerHello([]byte{0x02, 0, 0, 1})
	require.Error(t, err)

	// extLen claims more than actually follows.
	_, _, err = parseServerHello(msg(body(0, 100, []byte{0x00, 0x33, 0x00, 0x04, 0x00, 0x1d, 0x00, 0x20})))
	require.Error(t, err)

	// a key_share extension whose inner length claims more than remains.
	extBytes := []byte{0x00, 0x33, 0xff, 0xff, 0x00, 0x1d, 0x00, 0x20}
	_, _, err = parseServerHello(msg(body(0, len(extBytes), extBytes)))
	require.Error(t, err)

	// sessIDLen alone runs past the message.
	short := append([]byte{0x02, 0, 0, 39}, append(make([]byte, 34), 0xff)...)
	_, _, err = parseServerHello(short)
	require.Error(t, err)
}
