package tls13

import (
	"crypto"
	"crypto/elliptic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Every length field these parsers read comes from the server before the
// handshake is authenticated, so a short or malformed message must return
// an error instead of slicing out of range.
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

	_, _, _, err := parseServerHello([]byte{0x02, 0, 0, 1})
	require.Error(t, err)

	_, _, _, err = parseServerHello(msg(body(0, 100, []byte{0x00, 0x33, 0x00, 0x04, 0x00, 0x1d, 0x00, 0x20})))
	require.Error(t, err)

	extBytes := []byte{0x00, 0x33, 0xff, 0xff, 0x00, 0x1d, 0x00, 0x20}
	_, _, _, err = parseServerHello(msg(body(0, len(extBytes), extBytes)))
	require.Error(t, err)
}

func TestParseCertificateVerifyRejectsTruncatedSignature(t *testing.T) {
	_, _, err := parseCertificateVerify([]byte{0x0F, 0, 0, 2})
	require.Error(t, err)

	msg := []byte{0x0F, 0, 0, 8, 0x04, 0x03, 0x00, 0xff, 0x01, 0x02, 0x03, 0x04}
	_, _, err = parseCertificateVerify(msg)
	require.Error(t, err)

	ok := []byte{0x0F, 0, 0, 8, 0x04, 0x03, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
	alg, sig, err := parseCertificateVerify(ok)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0403), alg)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, sig)
}

func TestSigAlgHashMapsEveryCode(t *testing.T) {
	cases := []struct {
		alg           uint16
		hash          crypto.Hash
		pss, pkcs1    bool
	}{
		{0x0403, crypto.SHA256, false, false},
		{0x0503, crypto.SHA384, false, false},
		{0x0603, crypto.SHA512, false, false},
		{0x0804, crypto.SHA256, true, false},
		{0x0805, crypto.SHA384, true, false},
		{0x0806, crypto.SHA512, true, false},
		{0x0401, crypto.SHA256, false, true},
	}
	for _, c := range cases {
		h, pss, pkcs1, err := sigAlgHash(c.alg)
		require.NoError(t, err)
		require.Equal(t, c.hash, h)
		require.Equal(t, c.pss, pss)
		require.Equal(t, c.pkcs1, pkcs1)
	}

	_, _, _, err := sigAlgHash(0x9999)
	require.Error(t, err)

	require.Equal(t, elliptic.P256(), wantCurveFor(0x0403))
	require.Equal(t, elliptic.P384(), wantCurveFor(0x0503))
	require.Equal(t, elliptic.P521(), wantCurveFor(0x0603))
	require.Nil(t, wantCurveFor(0x0804))
}

func TestParseCertificateMessageRejectsTruncatedList(t *testing.T) {
	// request_context_len=0, cert_list_length claims more than follows.
	_, err := parseCertificateMessage([]byte{0x0B, 0, 0, 4, 0x00, 0xff, 0xff, 0xff})
	require.Error(t, err)

	// a certificate entry length that overruns the remaining list.
	_, err = parseCertificateMessage([]byte{0x0B, 0, 0, 8, 0x00, 0x00, 0x00, 0x04, 0xff, 0xff, 0xff, 0x00})
	require.Error(t, err)
}
