// Package xudp derives the XUDP GlobalID used to keep a full-cone NAT
// mapping stable across mux sessions for the same originating UDP flow.
// Adapted from the teacher's common/xudp package; the session/context
// plumbing that package uses to reach an inbound handler's source address
// is replaced here with a plain (host, port) pair supplied by the caller,
// since this project has no inbound handler registry.
package xudp

import (
	"crypto/rand"
	"strconv"

	"lukechampine.com/blake3"
)

// BaseKey is 32 random bytes generated once per process (spec §4.9,
// "Global state" in §6.4). init fills it at package load; it is exported so
// a host application can overwrite it for reproducible tests.
var BaseKey []byte

func init() {
	BaseKey = make([]byte, 32)
	if _, err := rand.Read(BaseKey); err != nil {
		panic(err)
	}
}

// GlobalID computes global_id = BLAKE3-keyed(base_key, "udp:host:port")[0:8].
func GlobalID(srcHost string, srcPort uint16) (id [8]byte) {
	h := blake3.New(8, BaseKey)
	h.Write([]byte("udp:" + srcHost + ":" + strconv.Itoa(int(srcPort))))
	copy(id[:], h.Sum(nil))
	return id
}
