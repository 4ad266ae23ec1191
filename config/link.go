package config

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/xtls/vlesstun/common/errors"
	"github.com/xtls/vlesstun/common/uuid"
	"github.com/xtls/vlesstun/vision"
)

// ParseShareLink parses a `vless://` share link (spec §6.2) into a
// Config. Fragment (after `#`) is the display name and is discarded.
func ParseShareLink(link string) (*Config, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, errors.New("invalid_url").Base(err)
	}
	if u.Scheme != "vless" {
		return nil, errors.New("invalid_url: not a vless:// link")
	}
	if u.User == nil {
		return nil, errors.New("invalid_url: missing uuid")
	}

	id, err := uuid.ParseString(u.User.Username())
	if err != nil {
		return nil, errors.New("invalid_url: malformed uuid").Base(err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid_url: missing host")
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, errors.New("invalid_url: malformed port").Base(err)
	}

	q := u.Query()

	c := &Config{
		ServerAddress: host,
		ServerPort:    uint16(port),
		UserID:        id,
		Encryption:    queryDefault(q, "encryption", "none"),
		Transport:     Transport(queryDefault(q, "type", "tcp")),
		XHTTPMode:     XHTTPMode(queryDefault(q, "mode", "auto")),
		Flow:          Flow(q.Get("flow")),
		Security:      Security(queryDefault(q, "security", "none")),
		MuxEnabled:    !isFalsey(q.Get("mux")),
		XUDPEnabled:   !isFalsey(q.Get("xudp")),
	}

	c.TLS = TLSConfig{
		SNI:           q.Get("sni"),
		AllowInsecure: q.Get("allowInsecure") == "1" || strings.EqualFold(q.Get("allowInsecure"), "true"),
		Fingerprint:   parseFingerprint(q.Get("fp")),
	}
	if alpn := q.Get("alpn"); alpn != "" {
		c.TLS.ALPN = strings.Split(alpn, ",")
	}

	c.Reality = RealityConfig{
		ServerName:  q.Get("sni"),
		Fingerprint: parseFingerprint(q.Get("fp")),
	}
	if pbk := q.Get("pbk"); pbk != "" {
		if key, err := base64.RawURLEncoding.DecodeString(pbk); err == nil {
			copy(c.Reality.PublicKey[:], key)
		}
	}
	if sid := q.Get("sid"); sid != "" {
		c.Reality.ShortID = hexDecode(sid)
	}

	c.WS = WSConfig{Host: queryDefault(q, "host", host), Path: queryDefault(q, "path", "/")}
	if ed := q.Get("ed"); ed != "" {
		if n, err := strconv.Atoi(ed); err == nil {
			c.WS.MaxEarlyDataBytes = n
			c.WS.EarlyDataHeader = "Sec-WebSocket-Protocol"
		}
	}

	c.HTTPUpgrade = HTTPUpgradeConfig{Host: queryDefault(q, "host", host), Path: queryDefault(q, "path", "/")}
	c.XHTTP = XHTTPConfig{Host: queryDefault(q, "host", host), Path: queryDefault(q, "path", "/")}

	if ts := q.Get("testseed"); ts != "" {
		parts := strings.Split(ts, ",")
		if len(parts) == 4 {
			var seed vision.TestSeed
			ok := true
			for i, p := range parts {
				v, err := strconv.ParseUint(p, 10, 32)
				if err != nil {
					ok = false
					break
				}
				seed[i] = uint32(v)
			}
			if ok {
				c.VisionSeed = seed
			}
		}
	}

	c.Defaults()
	return c, nil
}

func queryDefault(q url.Values, key, def string) string {
	if v := q.Get(key); v != "" {
		return v
	}
	return def
}

func isFalsey(v string) bool {
	return v == "false" || v == "0"
}
