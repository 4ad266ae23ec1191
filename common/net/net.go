// Package net supplies the small set of addressing types shared by the
// VLESS header codec, the mux frame codec, and the TUN flow tables: a
// transport-agnostic Address (IPv4 / IPv6 / domain), Port, Network, and
// Destination, plus the wire codec for the port+addr_type+addr block used
// identically by VLESS requests (spec §4.7) and mux new/keep frames
// (spec §4.9). Modeled on the teacher's common/net package naming
// (Address/Destination/Network/Port) without pulling in its protobuf
// address type, which this project has no use for.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// Network identifies the transport-layer protocol of a flow.
type Network byte

const (
	NetworkUnknown Network = iota
	NetworkTCP
	NetworkUDP
)

func (n Network) String() string {
	switch n {
	case NetworkTCP:
		return "tcp"
	case NetworkUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Port is a 16-bit TCP/UDP port number.
type Port uint16

func (p Port) Value() uint16 { return uint16(p) }
func (p Port) String() string { return strconv.Itoa(int(p)) }

// AddressFamily distinguishes the three wire address shapes.
type AddressFamily byte

const (
	AddressFamilyIPv4 AddressFamily = iota
	AddressFamilyDomain
	AddressFamilyIPv6
)

// wire address_type bytes, spec §4.7
const (
	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x02
	addrTypeIPv6   = 0x03
)

// Address is a destination host: an IPv4 address, an IPv6 address, or a
// domain name to be resolved by the caller.
type Address struct {
	family AddressFamily
	ip     net.IP
	domain string
}

// IPAddress wraps a 4- or 16-byte IP.
func IPAddress(ip net.IP) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{family: AddressFamilyIPv4, ip: v4}
	}
	return Address{family: AddressFamilyIPv6, ip: ip.To16()}
}

// DomainAddress wraps a domain name.
func DomainAddress(domain string) Address {
	return Address{family: AddressFamilyDomain, domain: domain}
}

func (a Address) Family() AddressFamily { return a.family }
func (a Address) IP() net.IP            { return a.ip }
func (a Address) Domain() string        { return a.domain }

func (a Address) String() string {
	switch a.family {
	case AddressFamilyDomain:
		return a.domain
	default:
		return a.ip.String()
	}
}

// Destination is a fully-qualified flow endpoint.
type Destination struct {
	Address Address
	Port    Port
	Network Network
}

func (d Destination) String() string {
	return fmt.Sprintf("%s:%s:%d", d.Network, d.Address, d.Port)
}

// TCPDestination builds a TCP Destination.
func TCPDestination(a Address, p Port) Destination {
	return Destination{Address: a, Port: p, Network: NetworkTCP}
}

// UDPDestination builds a UDP Destination.
func UDPDestination(a Address, p Port) Destination {
	return Destination{Address: a, Port: p, Network: NetworkUDP}
}

// WriteAddressPort encodes the `u16-be port, u8 addr_type, addr bytes` block
// shared by VLESS request headers and mux new/keep frames.
func WriteAddressPort(w *[]byte, a Address, p Port) {
	*w = append(*w, byte(p>>8), byte(p))
	switch a.family {
	case AddressFamilyIPv4:
		*w = append(*w, addrTypeIPv4)
		*w = append(*w, a.ip.To4()...)
	case AddressFamilyIPv6:
		*w = append(*w, addrTypeIPv6)
		*w = append(*w, a.ip.To16()...)
	case AddressFamilyDomain:
		*w = append(*w, addrTypeDomain)
		*w = append(*w, byte(len(a.domain)))
		*w = append(*w, a.domain...)
	}
}

// ReadAddressPort decodes the same block, returning the number of bytes
// consumed from b.
func ReadAddressPort(b []byte) (Address, Port, int, error) {
	if len(b) < 3 {
		return Address{}, 0, 0, fmt.Errorf("address block too short")
	}
	port := Port(uint16(b[0])<<8 | uint16(b[1]))
	addrType := b[2]
	rest := b[3:]
	switch addrType {
	case addrTypeIPv4:
		if len(rest) < 4 {
			return Address{}, 0, 0, fmt.Errorf("short ipv4 address")
		}
		return IPAddress(net.IP(rest[:4])), port, 3 + 4, nil
	case addrTypeIPv6:
		if len(rest) < 16 {
			return Address{}, 0, 0, fmt.Errorf("short ipv6 address")
		}
		return IPAddress(net.IP(rest[:16])), port, 3 + 16, nil
	case addrTypeDomain:
		if len(rest) < 1 {
			return Address{}, 0, 0, fmt.Errorf("missing domain length")
		}
		n := int(rest[0])
		if len(rest) < 1+n {
			return Address{}, 0, 0, fmt.Errorf("short domain")
		}
		return DomainAddress(string(rest[1 : 1+n])), port, 3 + 1 + n, nil
	default:
		return Address{}, 0, 0, fmt.Errorf("unknown address type %#x", addrType)
	}
}
