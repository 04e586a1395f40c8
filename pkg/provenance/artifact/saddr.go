package artifact

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family is the address family encoded in the first byte of a saddr.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyUnix
	FamilyNetlink
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyUnix:
		return "unix"
	case FamilyNetlink:
		return "netlink"
	}
	return "unknown"
}

// Protocol names.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Socket types as passed to socket(2).
const (
	SockStream    = unix.SOCK_STREAM
	SockDgram     = unix.SOCK_DGRAM
	SockSeqPacket = unix.SOCK_SEQPACKET
)

// Address families as passed to socket(2) and socketpair(2).
const (
	AFUnix  = unix.AF_UNIX
	AFInet  = unix.AF_INET
	AFInet6 = unix.AF_INET6
)

// SockAddr is a decoded socket address.
type SockAddr struct {
	Family Family
	Host   string
	Port   string
	Path   string
}

// IsNetwork reports whether the address is an inet address.
func (s SockAddr) IsNetwork() bool {
	return s.Family == FamilyIPv4 || s.Family == FamilyIPv6
}

// UnparseableAddressError is returned for saddr values that cannot be decoded.
type UnparseableAddressError struct {
	Saddr  string
	Reason string
}

func (e *UnparseableAddressError) Error() string {
	return fmt.Sprintf("failed to parse saddr %q: %s", e.Saddr, e.Reason)
}

// EmptyUnixPath reports whether saddr is an unnamed unix address, which is
// expected and not worth a warning.
func EmptyUnixPath(saddr string) bool {
	return saddr == "0100"
}

// ParseSaddr decodes the hex sockaddr of a SOCKADDR record. Netlink addresses
// are recognized but carry no endpoint.
func ParseSaddr(saddr string) (SockAddr, error) {
	if len(saddr) < 2 {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "too short"}
	}
	switch strings.ToUpper(saddr[:2]) {
	case "02":
		return parseIPv4(saddr)
	case "0A":
		return parseIPv6(saddr)
	case "01":
		return parseUnix(saddr)
	case "10":
		return SockAddr{Family: FamilyNetlink}, nil
	}
	return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "unsupported address family"}
}

func parsePort(saddr string) (string, error) {
	port, err := strconv.ParseUint(saddr[4:8], 16, 16)
	if err != nil {
		return "", &UnparseableAddressError{Saddr: saddr, Reason: "invalid port"}
	}
	return strconv.FormatUint(port, 10), nil
}

func parseIPv4(saddr string) (SockAddr, error) {
	if len(saddr) < 17 {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "ipv4 address too short"}
	}
	port, err := parsePort(saddr)
	if err != nil {
		return SockAddr{}, err
	}
	raw, err := hex.DecodeString(saddr[8:16])
	if err != nil {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "invalid ipv4 address"}
	}
	addr := netip.AddrFrom4([4]byte(raw))
	return SockAddr{Family: FamilyIPv4, Host: addr.String(), Port: port}, nil
}

func parseIPv6(saddr string) (SockAddr, error) {
	if len(saddr) < 49 {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "ipv6 address too short"}
	}
	port, err := parsePort(saddr)
	if err != nil {
		return SockAddr{}, err
	}
	raw, err := hex.DecodeString(saddr[16:48])
	if err != nil {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "invalid ipv6 address"}
	}
	addr := netip.AddrFrom16([16]byte(raw))
	return SockAddr{Family: FamilyIPv6, Host: addr.String(), Port: port}, nil
}

func parseUnix(saddr string) (SockAddr, error) {
	// 2 bytes family then the path, NUL padded. Abstract names start with NUL.
	rest := saddr
	if len(rest) >= 4 {
		rest = rest[4:]
	} else {
		rest = ""
	}
	raw, err := hex.DecodeString(rest[:len(rest)-len(rest)%2])
	if err != nil {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "invalid unix path"}
	}
	start := 0
	for start < len(raw) && raw[start] == 0 {
		start++
	}
	end := start
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	if end == start {
		return SockAddr{}, &UnparseableAddressError{Saddr: saddr, Reason: "empty unix path"}
	}
	return SockAddr{Family: FamilyUnix, Path: string(raw[start:end])}, nil
}

// ProtocolFromSockType maps a socket(2) type to a protocol name. SEQPACKET is
// tested first as it shares bits with STREAM.
func ProtocolFromSockType(sockType int64) string {
	switch {
	case sockType&SockSeqPacket == SockSeqPacket:
		return ProtocolTCP
	case sockType&SockStream == SockStream:
		return ProtocolTCP
	case sockType&SockDgram == SockDgram:
		return ProtocolUDP
	}
	return ""
}

// ProtocolFromNumber maps an IP protocol number to a protocol name.
func ProtocolFromNumber(proto int64) string {
	switch proto {
	case 6:
		return ProtocolTCP
	case 17:
		return ProtocolUDP
	}
	return ""
}

// NewNetworkSocket builds a socket identifier from optional local and remote
// addresses.
func NewNetworkSocket(local, remote *SockAddr, protocol, netns string) NetworkSocket {
	id := NetworkSocket{Protocol: protocol, NetNS: netns}
	if local != nil {
		id.LocalHost, id.LocalPort = local.Host, local.Port
	}
	if remote != nil {
		id.RemoteHost, id.RemotePort = remote.Host, remote.Port
	}
	return id
}
