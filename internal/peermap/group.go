package peermap

import (
	"errors"
	"net/netip"

	"go.uber.org/zap"
)

// FlowControlRule is one (cidr, bytes_per_sec) token-bucket rule.
type FlowControlRule struct {
	CIDR         netip.Prefix
	BytesPerSec  float64
}

// Group is a named overlay sharing a CIDR and a pre-shared key.
type Group struct {
	Name            string
	CIDR            netip.Prefix
	ListenAddr      string
	Key             []byte
	EnableRotation  bool
	FlowControl     []FlowControlRule
	Peers           *PeerMap
}

// NewGroup validates and constructs a Group, warning if the reserved
// server virtual address falls inside the assignable CIDR (spec §3: "if
// it does, a warning is emitted").
func NewGroup(name string, cidr netip.Prefix, listenAddr string, key []byte, logger *zap.Logger) (*Group, error) {
	if name == "" {
		return nil, errors.New("peermap: group name must not be empty")
	}
	if !cidr.IsValid() {
		return nil, errors.New("peermap: invalid group cidr")
	}
	if cidr.Contains(ServerVirtualAddr) {
		logger.Warn("group CIDR contains the reserved server virtual address",
			zap.String("group", name), zap.String("cidr", cidr.String()))
	}
	return &Group{
		Name:       name,
		CIDR:       cidr,
		ListenAddr: listenAddr,
		Key:        key,
		Peers:      NewPeerMap(),
	}, nil
}

// ErrAddressExhausted is returned by ChooseAddr when a group's CIDR has
// no more free host addresses.
var ErrAddressExhausted = errors.New("peermap: address range exhausted")

// ErrReservedAddr is returned when a node proposes the reserved server
// virtual address.
var ErrReservedAddr = errors.New("peermap: cannot assign reserved server virtual address")

// ChooseAddr implements the server's registration address selection
// (spec §4.8): accept the node's proposal if it is inside the CIDR, not
// the reserved server address, and free; otherwise allocate the lowest
// free host address; on exhaustion return ErrAddressExhausted.
func (g *Group) ChooseAddr(proposed netip.Addr) (netip.Addr, error) {
	if proposed.IsValid() {
		if proposed == ServerVirtualAddr {
			return netip.Addr{}, ErrReservedAddr
		}
		if g.CIDR.Contains(proposed) {
			if _, taken := g.Peers.Get(proposed); !taken {
				return proposed, nil
			}
		}
	}
	return g.allocateLowestFree()
}

func (g *Group) allocateLowestFree() (netip.Addr, error) {
	base := g.CIDR.Masked().Addr()
	bits := g.CIDR.Bits()
	hostBits := base.BitLen() - bits
	if hostBits <= 0 {
		return netip.Addr{}, ErrAddressExhausted
	}

	total := uint64(1) << uint(hostBits)
	// Skip network address (host offset 0) and broadcast (last offset);
	// a /30 therefore has exactly two usable host addresses.
	for offset := uint64(1); offset < total-1; offset++ {
		addr := addOffset(base, offset)
		if addr == ServerVirtualAddr {
			continue
		}
		if _, taken := g.Peers.Get(addr); !taken {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrAddressExhausted
}

func addOffset(base netip.Addr, offset uint64) netip.Addr {
	b := base.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += uint32(offset)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
