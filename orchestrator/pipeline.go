// Package orchestrator builds one VLESS pipeline per flow (spec §4.10):
// socket → outer security (TLS 1.3 / Reality) → transport adapter (TCP /
// WS / HTTP-Upgrade / XHTTP) → VLESS framing, optionally wrapped in
// Vision, then relays bytes between the tunnel-side flow and that
// pipeline with the retry policy, XHTTP auto-mode resolution, and Vision
// preconditions spec §4.10 specifies.
// Adapted from the teacher's proxy/vless/outbound/outbound.go (dial +
// retry + per-flow security/flow selection), generalized away from
// xray-core's transport.Link/dispatcher framework into plain net.Conn-
// shaped pipelines, since this project has no routing/dispatcher layer.
package orchestrator

import (
	"context"
	"io"
	"net"

	"github.com/xtls/vlesstun/common/errors"
	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/config"
	"github.com/xtls/vlesstun/transport/httpupgrade"
	"github.com/xtls/vlesstun/transport/reality"
	"github.com/xtls/vlesstun/transport/socket"
	"github.com/xtls/vlesstun/transport/tls13"
	"github.com/xtls/vlesstun/transport/ws"
	"github.com/xtls/vlesstun/transport/xhttp"
	"github.com/xtls/vlesstun/vision"
	"github.com/xtls/vlesstun/vless"
)

// Pipeline is one fully-built VLESS stream, ready for request-header send
// and relay.
type Pipeline struct {
	Conn   *vless.Conn
	Vision bool

	// visionWriter is set alongside Vision and lets a caller with no
	// initial uplink data emit the empty-padding frame itself (spec §4.8
	// "Empty padding") instead of leaving the header unsent indefinitely.
	visionWriter *vision.Writer
}

// Dial builds the pipeline described by cfg for one outbound flow to
// target (spec §4.10). command is CommandTCP or CommandUDP.
func Dial(ctx context.Context, cfg *config.Config, target vnet.Destination, command vless.Command) (*Pipeline, error) {
	raw, err := socket.Retry(ctx, func(ctx context.Context) (net.Conn, error) {
		return socket.DialTCP(ctx, cfg.ServerAddress, cfg.ServerPort)
	})
	if err != nil {
		return nil, err
	}

	secured, protocol, err := applySecurity(ctx, raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}

	flow := resolveFlow(cfg, command, target)
	if err := visionPrecondition(flow, protocol, cfg.Transport); err != nil {
		secured.Close()
		return nil, err
	}

	stream, err := applyTransport(ctx, secured, cfg)
	if err != nil {
		secured.Close()
		return nil, err
	}

	var carrier *vless.Conn
	var vis bool
	var visionWriter *vision.Writer
	if flow == config.FlowVision {
		rawConn, ok := stream.(vision.RawConn)
		if !ok {
			return nil, errors.New("setup_failed: security layer has no Vision direct path")
		}
		w, r := vision.NewPair(rawConn, cfg.UserID, cfg.VisionSeed)
		carrier = vless.NewConn(&visionRW{w: w, r: r}, stream, requestFor(cfg, target, command, flow))
		vis = true
		visionWriter = w
	} else {
		carrier = vless.NewConn(stream, stream, requestFor(cfg, target, command, flow))
	}

	return &Pipeline{Conn: carrier, Vision: vis, visionWriter: visionWriter}, nil
}

func requestFor(cfg *config.Config, target vnet.Destination, command vless.Command, flow config.Flow) *vless.Request {
	return &vless.Request{
		Version: vless.Version,
		ID:      cfg.UserID,
		Flow:    string(flow),
		Command: command,
		Dest:    target,
	}
}

// resolveFlow strips the flow addon where the spec forbids it: Mux never
// carries a flow, and UDP/443 loses it unless the "-udp443" variant was
// selected; the flow itself is still forwarded (spec §4.10). The "-udp443"
// variant goes on the wire as plain Vision.
func resolveFlow(cfg *config.Config, command vless.Command, target vnet.Destination) config.Flow {
	if command == vless.CommandMux {
		return config.FlowNone
	}
	if command == vless.CommandUDP && target.Port == 443 && cfg.Flow != config.FlowVisionUDP443 {
		return config.FlowNone
	}
	if cfg.Flow == config.FlowVisionUDP443 {
		return config.FlowVision
	}
	return cfg.Flow
}

// dropUDP443 reports whether this UDP flow must never reach the wire at
// all (spec §4.8 "UDP and port 443": "When flow = vision, UDP flows to
// port 443 are dropped" — a silent `dropped` error, spec §7 — as opposed
// to resolveFlow's addon stripping above, which still forwards the flow
// once the unsupported addon is removed).
func dropUDP443(cfg *config.Config, target vnet.Destination) bool {
	return cfg.Flow == config.FlowVision && target.Port == 443
}

// visionPrecondition enforces spec §4.8 "Preconditions" before any
// transport-layer bytes are sent: the outer security must have negotiated
// TLS 1.3 over plain TCP transport. WebSocket, HTTP-Upgrade, and XHTTP
// each terminate the security conn inside their own framing, leaving no
// direct-copy path to the raw socket, so Vision must be rejected outright
// rather than silently carried as plain VLESS (testable property 6: "a
// connect returns protocol_error before any network bytes are sent beyond
// the outer handshake" — callers must run this before applyTransport).
func visionPrecondition(flow config.Flow, protocol string, transport config.Transport) error {
	if flow != config.FlowVision {
		return nil
	}
	if protocol != "tls1.3" || transport != config.TransportTCP {
		return errors.New("protocol_error: vision requires a TLS 1.3 outer security layer over plain TCP transport")
	}
	return nil
}

// applySecurity applies the none/tls/reality outer layer (spec §4.10 retry
// policy applies per step) and reports the negotiated protocol string for
// the Vision precondition check.
func applySecurity(ctx context.Context, raw net.Conn, cfg *config.Config) (net.Conn, string, error) {
	switch cfg.Security {
	case config.SecurityTLS:
		conn, err := socket.RetryValue(ctx, func(context.Context) (*tls13.Conn, error) {
			return tls13.Dial(raw, tls13.Options{
				ServerName:    cfg.TLS.SNI,
				ALPN:          alpnFor(cfg),
				Fingerprint:   cfg.TLS.Fingerprint,
				AllowInsecure: cfg.TLS.AllowInsecure,
			})
		})
		if err != nil {
			return nil, "", err
		}
		return conn, conn.NegotiatedProtocol(), nil
	case config.SecurityReality:
		conn, err := socket.RetryValue(ctx, func(context.Context) (*reality.Conn, error) {
			return reality.Dial(raw, reality.Options{
				ServerName:  cfg.Reality.ServerName,
				PublicKey:   cfg.Reality.PublicKey,
				ShortID:     cfg.Reality.ShortID,
				Fingerprint: cfg.Reality.Fingerprint,
				ALPN:        alpnFor(cfg),
			})
		})
		if err != nil {
			return nil, "", err
		}
		return conn, conn.NegotiatedProtocol(), nil
	default:
		return raw, "none", nil
	}
}

// alpnFor applies the §4.10 "TLS ALPN override for XHTTPS" rule: XHTTP
// over standard TLS always negotiates http/1.1, regardless of configured
// ALPN.
func alpnFor(cfg *config.Config) []string {
	if cfg.Transport == config.TransportXHTTP && cfg.Security == config.SecurityTLS {
		return []string{"http/1.1"}
	}
	if cfg.TLS.ALPN != nil {
		return cfg.TLS.ALPN
	}
	return nil
}

// xhttpMode resolves `auto` per §4.10: stream-one (forcing H2) when
// Reality is active, else packet-up.
func xhttpMode(cfg *config.Config) config.XHTTPMode {
	if cfg.XHTTPMode != config.XHTTPModeAuto {
		return cfg.XHTTPMode
	}
	if cfg.Security == config.SecurityReality {
		return config.XHTTPModeStreamOne
	}
	return config.XHTTPModePacketUp
}

// applyTransport layers the configured transport adapter over secured,
// returning an io.ReadWriteCloser — deliberately narrower than net.Conn,
// since only plain TCP ever needs to satisfy vision.RawConn further up
// (spec §4.10 Vision precondition).
func applyTransport(ctx context.Context, secured net.Conn, cfg *config.Config) (io.ReadWriteCloser, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return secured, nil
	case config.TransportWS:
		return socket.RetryValue(ctx, func(context.Context) (*ws.Conn, error) {
			return ws.Dial(secured, ws.Config{
				Host:              cfg.WS.Host,
				Path:              cfg.WS.Path,
				Headers:           headersOf(cfg.WS.Headers),
				MaxEarlyDataBytes: cfg.WS.MaxEarlyDataBytes,
				EarlyDataHeader:   cfg.WS.EarlyDataHeader,
			})
		})
	case config.TransportHTTPUpgrade:
		return socket.RetryValue(ctx, func(context.Context) (*httpupgrade.Conn, error) {
			return httpupgrade.Dial(secured, httpupgrade.Config{
				Host:    cfg.HTTPUpgrade.Host,
				Path:    cfg.HTTPUpgrade.Path,
				Headers: headersOf(cfg.HTTPUpgrade.Headers),
			})
		})
	case config.TransportXHTTP:
		mode := xhttpMode(cfg)
		xcfg := xhttp.Config{
			Host:             cfg.XHTTP.Host,
			Path:             cfg.XHTTP.Path,
			UserAgent:        config.DefaultUserAgent,
			MaxEachPostBytes: cfg.XHTTP.MaxPostBytes,
		}
		// Reality + XHTTP (any mode) forces H2, since the ALPN is already
		// pinned by the Reality handshake itself (spec §4.10).
		if cfg.Security == config.SecurityReality {
			return socket.RetryValue(ctx, func(context.Context) (*xhttp.H2, error) {
				return xhttp.DialH2(secured, xcfg)
			})
		}
		switch mode {
		case config.XHTTPModeStreamOne:
			return socket.RetryValue(ctx, func(context.Context) (*xhttp.StreamOne, error) {
				return xhttp.DialStreamOne(secured, xcfg)
			})
		default:
			return socket.RetryValue(ctx, func(context.Context) (*xhttp.PacketUp, error) {
				return xhttp.DialPacketUp(secured, xcfg, func() (net.Conn, error) {
					return socket.DialTCP(ctx, cfg.ServerAddress, cfg.ServerPort)
				})
			})
		}
	default:
		return nil, errors.New("setup_failed: unknown transport")
	}
}

func headersOf(m map[string]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = []string{v}
	}
	return out
}

// visionRW composes a Vision writer/reader pair into one io.ReadWriter so
// vless.Conn can treat it like any other stream.
type visionRW struct {
	w *vision.Writer
	r *vision.Reader
}

func (v *visionRW) Write(p []byte) (int, error) { return v.w.Write(p) }
func (v *visionRW) Read(p []byte) (int, error)  { return v.r.Read(p) }
