// Package tls13 implements the hand-rolled TLS 1.3 primitives the data
// plane needs (spec §4.3): the RFC 8446 §7.1 key schedule, the AEAD record
// layer, and a per-browser ClientHello fingerprint builder, plus a
// standard TLS 1.3 client built on top of them (spec §4.4). The teacher
// delegates ClientHello construction and session negotiation entirely to
// refraction-networking/utls; this spec instead treats that machinery as
// the system's hard engineering, so it is implemented from scratch here —
// see DESIGN.md for the reasoning.
package tls13

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// HashFn constructs the transcript hash of the negotiated cipher suite:
// SHA256 for TLS_AES_128_GCM_SHA256, SHA384 for TLS_AES_256_GCM_SHA384.
type HashFn func() hash.Hash

// Extract implements HKDF-Extract(salt, ikm).
func Extract(h HashFn, salt, ikm []byte) []byte {
	mac := hmac.New(h, saltOrZero(h, salt))
	mac.Write(ikm)
	return mac.Sum(nil)
}

func saltOrZero(h HashFn, salt []byte) []byte {
	if len(salt) > 0 {
		return salt
	}
	return make([]byte, h().Size())
}

// Expand implements HKDF-Expand(prk, info, L).
func Expand(h HashFn, prk, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(h, prk, info)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

// ExpandLabel implements HKDF-Expand-Label(secret, label, context, L)
// (spec §4.3.1).
func ExpandLabel(h HashFn, secret []byte, label string, context []byte, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 2+1+len(full)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	return Expand(h, secret, info, length)
}

// DeriveSecret implements Derive-Secret(secret, label, messages).
func DeriveSecret(h HashFn, secret []byte, label string, transcript []byte) []byte {
	hh := h()
	hh.Write(transcript)
	return ExpandLabel(h, secret, label, hh.Sum(nil), hh.Size())
}

// Schedule holds the handshake/application traffic secrets for one
// connection direction pair (spec §4.3.1).
type Schedule struct {
	H HashFn

	EarlySecret      []byte
	HandshakeSecret  []byte
	MasterSecret     []byte
	ClientHSTraffic  []byte
	ServerHSTraffic  []byte
	ClientAppTraffic []byte
	ServerAppTraffic []byte
}

// SHA256 / SHA384 are the two hash functions TLS 1.3 AEAD suites use.
func SHA256() hash.Hash { return sha256.New() }
func SHA384() hash.Hash { return sha512.New384() }

// DeriveHandshakeSecrets computes handshake_secret and the two per-direction
// handshake traffic secrets from the ECDHE shared secret and the
// ClientHello||ServerHello transcript.
func DeriveHandshakeSecrets(h HashFn, sharedSecret, transcript []byte) *Schedule {
	s := &Schedule{H: h}
	zero := make([]byte, h().Size())
	s.EarlySecret = Extract(h, nil, zero)
	derivedEarly := DeriveSecret(h, s.EarlySecret, "derived", nil)
	s.HandshakeSecret = Extract(h, derivedEarly, sharedSecret)
	s.ClientHSTraffic = DeriveSecret(h, s.HandshakeSecret, "c hs traffic", transcript)
	s.ServerHSTraffic = DeriveSecret(h, s.HandshakeSecret, "s hs traffic", transcript)
	return s
}

// DeriveApplicationSecrets computes master_secret and the two application
// traffic secrets from the full transcript through Server Finished.
func (s *Schedule) DeriveApplicationSecrets(transcript []byte) {
	derivedHS := DeriveSecret(s.H, s.HandshakeSecret, "derived", nil)
	zero := make([]byte, s.H().Size())
	s.MasterSecret = Extract(s.H, derivedHS, zero)
	s.ClientAppTraffic = DeriveSecret(s.H, s.MasterSecret, "c ap traffic", transcript)
	s.ServerAppTraffic = DeriveSecret(s.H, s.MasterSecret, "s ap traffic", transcript)
}

// TrafficKeyIV derives the AEAD key and 12-byte IV for a traffic secret.
func TrafficKeyIV(h HashFn, secret []byte, keyLen int) (key, iv []byte) {
	key = ExpandLabel(h, secret, "key", nil, keyLen)
	iv = ExpandLabel(h, secret, "iv", nil, 12)
	return
}

// FinishedVerifyData computes Finished-verify-data for a handshake traffic
// secret and transcript (spec §4.3.1).
func FinishedVerifyData(h HashFn, trafficSecret, transcript []byte) []byte {
	finishedKey := ExpandLabel(h, trafficSecret, "finished", nil, h().Size())
	hh := h()
	hh.Write(transcript)
	mac := hmac.New(h, finishedKey)
	mac.Write(hh.Sum(nil))
	return mac.Sum(nil)
}
