package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/config"
	"github.com/xtls/vlesstun/vless"
)

func TestResolveFlowDropsOnMux(t *testing.T) {
	cfg := &config.Config{Flow: config.FlowVision}
	target := vnet.TCPDestination(vnet.DomainAddress("example.com"), 443)
	require.Equal(t, config.FlowNone, resolveFlow(cfg, vless.CommandMux, target))
}

func TestResolveFlowDropsOnUDP443UnlessVariantSelected(t *testing.T) {
	cfg := &config.Config{Flow: config.FlowVision}
	target := vnet.TCPDestination(vnet.DomainAddress("example.com"), 443)
	require.Equal(t, config.FlowNone, resolveFlow(cfg, vless.CommandUDP, target))

	cfg.Flow = config.FlowVisionUDP443
	require.Equal(t, config.FlowVision, resolveFlow(cfg, vless.CommandUDP, target))
}

func TestResolveFlowPassesThroughForTCP(t *testing.T) {
	cfg := &config.Config{Flow: config.FlowVision}
	target := vnet.TCPDestination(vnet.DomainAddress("example.com"), 80)
	require.Equal(t, config.FlowVision, resolveFlow(cfg, vless.CommandTCP, target))
}

func TestResolveFlowUDPNon443KeepsFlow(t *testing.T) {
	cfg := &config.Config{Flow: config.FlowVision}
	target := vnet.TCPDestination(vnet.DomainAddress("example.com"), 53)
	require.Equal(t, config.FlowVision, resolveFlow(cfg, vless.CommandUDP, target))
}

// XHTTP over TLS always negotiates http/1.1, overriding any configured ALPN
// (spec §4.10).
func TestAlpnForXHTTPOverridesConfiguredALPN(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportXHTTP,
		Security:  config.SecurityTLS,
		TLS:       config.TLSConfig{ALPN: []string{"h2", "http/1.1"}},
	}
	require.Equal(t, []string{"http/1.1"}, alpnFor(cfg))
}

func TestAlpnForPassesThroughConfiguredALPNOtherwise(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportTCP,
		Security:  config.SecurityTLS,
		TLS:       config.TLSConfig{ALPN: []string{"h2"}},
	}
	require.Equal(t, []string{"h2"}, alpnFor(cfg))
}

func TestAlpnForNilWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{Transport: config.TransportTCP, Security: config.SecurityTLS}
	require.Nil(t, alpnFor(cfg))
}

// auto resolves to stream-one (forcing H2) under Reality, else packet-up
// (spec §4.10).
func TestXHTTPModeAutoResolution(t *testing.T) {
	cfg := &config.Config{XHTTPMode: config.XHTTPModeAuto, Security: config.SecurityReality}
	require.Equal(t, config.XHTTPModeStreamOne, xhttpMode(cfg))

	cfg.Security = config.SecurityNone
	require.Equal(t, config.XHTTPModePacketUp, xhttpMode(cfg))
}

func TestXHTTPModeExplicitIsNotOverridden(t *testing.T) {
	cfg := &config.Config{XHTTPMode: config.XHTTPModePacketUp, Security: config.SecurityReality}
	require.Equal(t, config.XHTTPModePacketUp, xhttpMode(cfg))
}

// Vision over anything but TLS 1.3-over-plain-TCP must be rejected, not
// silently downgraded to plain VLESS (spec §4.8 "Preconditions", testable
// property 6).
func TestVisionPreconditionRejectsNonTLS13OrNonTCP(t *testing.T) {
	require.NoError(t, visionPrecondition(config.FlowNone, "none", config.TransportWS))
	require.NoError(t, visionPrecondition(config.FlowVision, "tls1.3", config.TransportTCP))

	require.Error(t, visionPrecondition(config.FlowVision, "none", config.TransportTCP))
	require.Error(t, visionPrecondition(config.FlowVision, "tls1.3", config.TransportWS))
	require.Error(t, visionPrecondition(config.FlowVision, "tls1.3", config.TransportHTTPUpgrade))
	require.Error(t, visionPrecondition(config.FlowVision, "tls1.3", config.TransportXHTTP))
}

// flow=vision (not the -udp443 variant) drops a UDP/443 flow outright
// rather than merely stripping its flow addon (spec §4.8 "UDP and port
// 443").
func TestDropUDP443(t *testing.T) {
	cfg := &config.Config{Flow: config.FlowVision}
	target443 := vnet.TCPDestination(vnet.DomainAddress("example.com"), 443)
	target53 := vnet.TCPDestination(vnet.DomainAddress("example.com"), 53)

	require.True(t, dropUDP443(cfg, target443))
	require.False(t, dropUDP443(cfg, target53))

	cfg.Flow = config.FlowVisionUDP443
	require.False(t, dropUDP443(cfg, target443))
}

func TestHeadersOfConvertsToMultiValueMap(t *testing.T) {
	require.Nil(t, headersOf(nil))
	out := headersOf(map[string]string{"X-A": "1"})
	require.Equal(t, []string{"1"}, out["X-A"])
}
