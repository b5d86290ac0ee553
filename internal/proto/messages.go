// Package proto defines the binary wire schema exchanged between nodes
// and the server: registration, node-map sync, heartbeats, relay,
// forwarding, and P2P/NAT-punch probes. All integers are big-endian;
// strings and byte blobs are length-prefixed.
package proto

import "net/netip"

// Tag identifies a message kind on the wire. It is the first byte of
// every TCP frame payload and every UDP datagram (after deciphering).
type Tag uint8

const (
	TagRegister Tag = iota + 1
	TagRegisterOk
	TagRegisterReject
	TagNodeMap
	TagNodeMapUpdate
	TagHeartbeatReq
	TagHeartbeatResp
	TagForward
	TagRelay
	TagP2P
	TagKnockReq
	TagKnockResp
)

func (t Tag) String() string {
	switch t {
	case TagRegister:
		return "Register"
	case TagRegisterOk:
		return "RegisterOk"
	case TagRegisterReject:
		return "RegisterReject"
	case TagNodeMap:
		return "NodeMap"
	case TagNodeMapUpdate:
		return "NodeMapUpdate"
	case TagHeartbeatReq:
		return "HeartbeatReq"
	case TagHeartbeatResp:
		return "HeartbeatResp"
	case TagForward:
		return "Forward"
	case TagRelay:
		return "Relay"
	case TagP2P:
		return "P2P"
	case TagKnockReq:
		return "KnockReq"
	case TagKnockResp:
		return "KnockResp"
	default:
		return "Unknown"
	}
}

// Protocol is a single-transport bit flag, combined into a Mode set.
type Protocol uint8

const (
	ProtoTCP Protocol = 1 << iota
	ProtoUDP
)

// Mode is the set of enabled transports for relay (via server) and p2p
// (direct), as carried in Register and held per PeerMap entry.
type Mode struct {
	Relay Protocol
	P2P   Protocol
}

func (m Mode) Has(kind Protocol, proto Protocol) bool { return kind&proto != 0 }

// Register is sent node -> server over TCP to join a group.
type Register struct {
	GroupName     string
	VirtualAddr   netip.Addr
	NodeName      string
	Mode          Mode
	LanAddr       netip.Addr // zero value means "not set" (UDP disabled)
	AllowedIPs    []netip.Prefix
	IPs           map[netip.Addr][]netip.Prefix
	SpecifyMode   map[netip.Addr]Mode
	KeyFingerprint [8]byte
}

// RegisterOk is sent server -> node on successful registration.
type RegisterOk struct {
	VirtualAddr netip.Addr
	Netmask     netip.Addr
}

// RegisterReject is sent server -> node on registration failure.
type RegisterReject struct {
	Reason string
}

// PeerEntry is one row of a NodeMap snapshot.
type PeerEntry struct {
	VirtualAddr  netip.Addr
	NodeName     string
	Mode         Mode
	LanAddr      netip.Addr
	WanAddr      netip.AddrPort
	AllowedIPs   []netip.Prefix
	IPs          map[netip.Addr][]netip.Prefix
	SpecifyMode  map[netip.Addr]Mode
}

// NodeMap is the full peer-state snapshot, server -> node over TCP.
type NodeMap struct {
	Peers []PeerEntry
}

// NodeMapUpdate is a partial self-info refresh, node -> server over TCP.
type NodeMapUpdate struct {
	LanAddr    netip.Addr
	AllowedIPs []netip.Prefix
	IPs        map[netip.Addr][]netip.Prefix
}

// HeartbeatReq/HeartbeatResp are exchanged both directions, both
// transports. Over TCP the session already identifies the sender, so
// From is left zero; over UDP, which is connectionless, From carries the
// sender's virtual address so the receiver can attribute the datagram's
// source address to a peer and learn its wan_addr (spec §4.6).
type HeartbeatReq struct {
	Seq      uint32
	SentUnix int64
	From     netip.Addr
}

type HeartbeatResp struct {
	Seq uint32
}

// Forward carries TCP-relayed user traffic, node -> server -> node.
type Forward struct {
	From        netip.Addr
	To          netip.Addr
	HopCount    uint8
	InnerPacket []byte
}

// Relay carries UDP-relayed user traffic, node -> server -> node.
type Relay struct {
	To          netip.Addr
	HopCount    uint8
	InnerPacket []byte
}

// P2P carries direct UDP traffic between nodes.
type P2P struct {
	HopCount    uint8
	InnerPacket []byte
}

// KnockReq/KnockResp implement NAT-punch assistance: a node asks the
// server for a target's observed WAN address, and the server nudges the
// target to open its NAT pinhole toward the requester. From identifies
// the requester so the server can tell the target who to punch toward;
// when the server forwards a KnockReq on to the target, From carries the
// original requester's address instead of the target's own.
type KnockReq struct {
	Target netip.Addr
	From   netip.Addr
}

type KnockResp struct {
	Target    netip.Addr
	TargetWan netip.AddrPort
}
