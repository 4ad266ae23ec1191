// Package uuid implements the 128-bit user identifier used as the VLESS
// credential (spec §3). Adapted from the teacher's common/uuid package.
package uuid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"

	"github.com/xtls/vlesstun/common/errors"
)

var byteGroups = []int{8, 4, 4, 4, 12}

// UUID is a 128-bit value formatted as 8-4-4-4-12 hex groups.
type UUID [16]byte

// String returns the canonical hyphenated representation.
func (u UUID) String() string {
	b := u.Bytes()
	result := hex.EncodeToString(b[0 : byteGroups[0]/2])
	start := byteGroups[0] / 2
	for i := 1; i < len(byteGroups); i++ {
		n := byteGroups[i] / 2
		result += "-"
		result += hex.EncodeToString(b[start : start+n])
		start += n
	}
	return result
}

// Bytes returns the raw 16 bytes.
func (u *UUID) Bytes() []byte {
	return u[:]
}

// Equals reports whether two UUIDs hold the same value.
func (u UUID) Equals(other UUID) bool {
	return bytes.Equal(u[:], other[:])
}

// New creates a cryptographically random UUID (RFC 4122 v4 layout, though
// the VLESS credential treats it as an opaque 16-byte identifier).
func New() UUID {
	var u UUID
	if _, err := rand.Read(u[:]); err != nil {
		panic(err)
	}
	u[6] = (u[6] & 0x0f) | (4 << 4)
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// ParseBytes validates and wraps a 16-byte slice.
func ParseBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != 16 {
		return u, errors.New("invalid UUID length: ", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// ParseString parses the hex form (32 to 36 characters, hyphens allowed),
// or hashes a string of 1 to 30 characters into a deterministic v5-like
// UUID the way the teacher does for legacy "alterId" style identifiers.
// An empty string, a 31-character string and anything longer than 36
// characters are rejected.
func ParseString(str string) (UUID, error) {
	var u UUID
	text := []byte(str)

	l := len(text)
	if l < 32 || l > 36 {
		if l == 0 || l > 30 {
			return u, errors.New("invalid UUID: ", str)
		}
		h := sha1.New()
		h.Write(u[:])
		h.Write(text)
		sum := h.Sum(nil)[:16]
		sum[6] = (sum[6] & 0x0f) | (5 << 4)
		sum[8] = (sum[8] & 0x3f) | 0x80
		copy(u[:], sum)
		return u, nil
	}

	b := u[:]
	for _, group := range byteGroups {
		if len(text) > 0 && text[0] == '-' {
			text = text[1:]
		}
		if len(text) < group {
			return u, errors.New("invalid UUID: ", str)
		}
		if _, err := hex.Decode(b[:group/2], text[:group]); err != nil {
			return u, errors.New("invalid UUID: ", str).Base(err)
		}
		text = text[group:]
		b = b[group/2:]
	}
	return u, nil
}
