// Package config defines the persisted connection configuration (spec
// §3, §6.3), the VLESS share-link grammar parser (spec §6.2), and the
// fixed tunnel runtime parameters (spec §6.4-§6.5).
// Adapted from the teacher's infra/conf JSON-config-to-protobuf pattern
// (one plain struct per concern, defaulted on unmarshal) — this project
// has no protobuf build step, so Config is the wire/runtime type itself
// rather than an intermediate JSON form compiled into a pb.Config.
package config

import (
	"encoding/json"
	"strings"

	"github.com/xtls/vlesstun/common/errors"
	"github.com/xtls/vlesstun/common/uuid"
	"github.com/xtls/vlesstun/transport/tls13"
	"github.com/xtls/vlesstun/vision"
)

// Transport selects the outer byte-stream framing (spec §3).
type Transport string

const (
	TransportTCP         Transport = "tcp"
	TransportWS          Transport = "ws"
	TransportHTTPUpgrade Transport = "httpupgrade"
	TransportXHTTP       Transport = "xhttp"
)

// XHTTPMode selects XHTTP's upload/download shape (spec §3, §4.10).
type XHTTPMode string

const (
	XHTTPModeAuto      XHTTPMode = "auto"
	XHTTPModePacketUp  XHTTPMode = "packet-up"
	XHTTPModeStreamOne XHTTPMode = "stream-one"
)

// Security selects the outer encryption layer (spec §3).
type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"
	SecurityReality  Security = "reality"
)

// Flow selects the VLESS flow addon (spec §3).
type Flow string

const (
	FlowNone         Flow = ""
	FlowVision       Flow = "xtls-rprx-vision"
	FlowVisionUDP443 Flow = "xtls-rprx-vision-udp443"
)

// TLSConfig is the §3 TLS sub-config. Fingerprint is not itemized in §3's
// prose list alongside SNI/ALPN/allow-insecure, but the share-link
// grammar's `fp` key (§6.2) is not scoped to Reality alone, and the
// ClientHello fingerprint builder (§4.3.3) applies identically to the
// standard TLS client — so plain TLS dials need a selector too, defaulted
// to Chrome rather than left unset.
type TLSConfig struct {
	SNI           string   `json:"sni"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty"`
	Fingerprint   tls13.Fingerprint `json:"-"`
	FingerprintName string          `json:"fingerprint,omitempty"`
}

// RealityConfig is the §3 Reality sub-config.
type RealityConfig struct {
	ServerName  string            `json:"serverName"`
	PublicKey   [32]byte          `json:"-"`
	PublicKeyB  string            `json:"publicKey"`
	ShortID     []byte            `json:"-"`
	ShortIDHex  string            `json:"shortId"`
	Fingerprint tls13.Fingerprint `json:"-"`
	FingerprintName string        `json:"fingerprint"`
}

// WSConfig is the §3 WebSocket sub-config.
type WSConfig struct {
	Host              string            `json:"host"`
	Path              string            `json:"path"`
	Headers           map[string]string `json:"headers,omitempty"`
	MaxEarlyDataBytes int               `json:"maxEarlyData,omitempty"`
	EarlyDataHeader   string            `json:"earlyDataHeader,omitempty"`
}

// HTTPUpgradeConfig is the §3 HTTP-Upgrade sub-config.
type HTTPUpgradeConfig struct {
	Host    string            `json:"host"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
}

// XHTTPConfig is the §3 XHTTP sub-config.
type XHTTPConfig struct {
	Host             string            `json:"host"`
	Path             string            `json:"path"`
	Headers          map[string]string `json:"headers,omitempty"`
	GRPCHeader       bool              `json:"grpcHeader,omitempty"`
	MaxPostBytes     int               `json:"maxPostBytes,omitempty"`
	MinPostInterval  int               `json:"minPostIntervalMs,omitempty"`
}

// Config is one VLESS server connection's full, immutable-per-connection
// configuration (spec §3).
type Config struct {
	ServerAddress string `json:"serverAddress"`
	ServerPort    uint16 `json:"serverPort"`
	ResolvedIP    string `json:"resolvedIP,omitempty"`

	UserID uuid.UUID `json:"-"`
	UserIDString string `json:"id"`

	Encryption string `json:"encryption"`

	Transport Transport `json:"transport"`
	XHTTPMode XHTTPMode `json:"xhttpMode"`

	Flow     Flow     `json:"flow"`
	Security Security `json:"security"`

	TLS         TLSConfig         `json:"tls,omitempty"`
	Reality     RealityConfig     `json:"reality,omitempty"`
	WS          WSConfig          `json:"ws,omitempty"`
	HTTPUpgrade HTTPUpgradeConfig `json:"httpUpgrade,omitempty"`
	XHTTP       XHTTPConfig       `json:"xhttp,omitempty"`

	VisionSeed vision.TestSeed `json:"visionSeed,omitempty"`

	MuxEnabled  bool `json:"muxEnabled"`
	XUDPEnabled bool `json:"xudpEnabled"`
}

// Defaults applies the §6.3 legacy-field fallbacks for a record that may
// predate a given field's introduction.
func (c *Config) Defaults() {
	if c.Encryption == "" {
		c.Encryption = "none"
	}
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.XHTTPMode == "" {
		c.XHTTPMode = XHTTPModeAuto
	}
	if c.Security == "" {
		c.Security = SecurityNone
	}
	if c.VisionSeed == (vision.TestSeed{}) {
		c.VisionSeed = vision.DefaultTestSeed
	}
	// muxEnabled has no legacy "unset" marker distinguishable from false in
	// plain JSON booleans; a legacy record simply defaults to the spec's
	// stated default of true only when the record predates the field,
	// which callers signal by leaving UserIDString-only records through
	// UnmarshalJSON below rather than here.
}

// MarshalJSON renders the binary fields (UUID, Reality key/short-id) in
// their external string forms before delegating to the struct tags.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.UserIDString = c.UserID.String()
	a.Reality.PublicKeyB = hexEncode(c.Reality.PublicKey[:])
	a.Reality.ShortIDHex = hexEncode(c.Reality.ShortID)
	a.Reality.FingerprintName = fingerprintName(c.Reality.Fingerprint)
	a.TLS.FingerprintName = fingerprintName(c.TLS.Fingerprint)
	return json.Marshal(a)
}

// UnmarshalJSON parses a persisted record (spec §6.3), defaulting any
// field a legacy record omits, and defaults mux/xudp to true exactly when
// their keys are absent from the raw object (the JSON "missing vs false"
// distinction plain struct unmarshaling loses).
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	a := alias{}
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.New("invalid persisted configuration").Base(err)
	}

	var raw map[string]json.RawMessage
	_ = json.Unmarshal(data, &raw)
	if _, present := raw["muxEnabled"]; !present {
		a.MuxEnabled = true
	}
	if _, present := raw["xudpEnabled"]; !present {
		a.XUDPEnabled = true
	}

	*c = Config(a)
	if c.UserIDString != "" {
		id, err := uuid.ParseString(c.UserIDString)
		if err != nil {
			return errors.New("invalid user id").Base(err)
		}
		c.UserID = id
	}
	if c.Reality.PublicKeyB != "" {
		copy(c.Reality.PublicKey[:], hexDecode(c.Reality.PublicKeyB))
	}
	if c.Reality.ShortIDHex != "" {
		c.Reality.ShortID = hexDecode(c.Reality.ShortIDHex)
	}
	c.Reality.Fingerprint = parseFingerprint(c.Reality.FingerprintName)
	c.TLS.Fingerprint = parseFingerprint(c.TLS.FingerprintName)
	c.Defaults()
	return nil
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xF]
	}
	return string(out)
}

func hexDecode(s string) []byte {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexNibble(s[i*2])
		lo := hexNibble(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

func fingerprintName(fp tls13.Fingerprint) string {
	switch fp {
	case tls13.FingerprintFirefox:
		return "firefox"
	case tls13.FingerprintSafari:
		return "safari"
	case tls13.FingerprintIOS:
		return "ios"
	case tls13.FingerprintEdge:
		return "edge"
	case tls13.FingerprintRandom:
		return "random"
	default:
		return "chrome"
	}
}

func parseFingerprint(s string) tls13.Fingerprint {
	switch strings.ToLower(s) {
	case "firefox":
		return tls13.FingerprintFirefox
	case "safari":
		return tls13.FingerprintSafari
	case "ios":
		return tls13.FingerprintIOS
	case "edge":
		return tls13.FingerprintEdge
	case "random":
		return tls13.FingerprintRandom
	default:
		return tls13.FingerprintChrome
	}
}

// DefaultUserAgent is used for XHTTP requests that don't override it
// (spec §6.5).
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

// Tunnel runtime parameters (spec §6.4).
const (
	TunnelMTU        = 1400
	TunnelIPv4CIDR   = "10.8.0.2/24"
	TunnelIPv6CIDR   = "fd00::2/64"
	DNSPrimaryIPv4   = "1.1.1.1"
	DNSSecondaryIPv4 = "1.0.0.1"
	DNSPrimaryIPv6   = "2606:4700:4700::1111"
	DNSSecondaryIPv6 = "2606:4700:4700::1001"
)
