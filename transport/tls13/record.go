package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/xtls/vlesstun/common/errors"
)

// ContentType is the TLS record inner content-type trailer byte once an
// AEAD record is decrypted (spec §4.3.2).
type ContentType byte

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
)

// RecordHeader is the fixed 5-byte TLS record header used as AEAD AAD.
type RecordHeader [5]byte

func NewRecordHeader(length int) RecordHeader {
	var h RecordHeader
	h[0] = byte(ContentApplicationData) // TLS 1.3 wire type for all post-handshake records
	h[1], h[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(h[3:5], uint16(length))
	return h
}

// AEAD wraps one direction's cipher, IV, and sequence number.
type AEAD struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

// NewAEAD builds an AES-GCM AEAD keyed for one traffic secret direction.
func NewAEAD(key, iv []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.New("tls13: failed to create AES cipher").Base(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.New("tls13: failed to create AES-GCM").Base(err)
	}
	return &AEAD{aead: gcm, iv: append([]byte(nil), iv...)}, nil
}

// ResetSequence zeroes the sequence number, done at the transition from
// handshake keys to application keys (spec §4.3.2).
func (a *AEAD) ResetSequence() { a.seq = 0 }

func (a *AEAD) nonce() []byte {
	n := make([]byte, len(a.iv))
	copy(n, a.iv)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], a.seq)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= seqBytes[i]
	}
	return n
}

// SealRecord encrypts one TLS 1.3 record: plaintext||contentType, AAD is
// the 5-byte header over the ciphertext+tag length.
func (a *AEAD) SealRecord(plaintext []byte, inner ContentType) []byte {
	inPlusType := append(append([]byte(nil), plaintext...), byte(inner))
	hdr := NewRecordHeader(len(inPlusType) + a.aead.Overhead())
	ct := a.aead.Seal(nil, a.nonce(), inPlusType, hdr[:])
	a.seq++
	out := make([]byte, 0, 5+len(ct))
	out = append(out, hdr[:]...)
	out = append(out, ct...)
	return out
}

// OpenRecord decrypts one TLS 1.3 record body (ciphertext, without the
// 5-byte header) given the header bytes used as AAD, returning the
// unpadded content and its inner content type.
func (a *AEAD) OpenRecord(hdr RecordHeader, ciphertext []byte) ([]byte, ContentType, error) {
	pt, err := a.aead.Open(nil, a.nonce(), ciphertext, hdr[:])
	if err != nil {
		return nil, 0, errors.New("decryption_failed").Base(err)
	}
	a.seq++
	i := len(pt) - 1
	for i >= 0 && pt[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, errors.New("tls13: empty record after unpadding")
	}
	return pt[:i], ContentType(pt[i]), nil
}
