package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrMalformed is wrapped into every decode failure; callers treat it as a
// ProtocolError (spec §7): drop the packet, log at WARN, and only tear
// down the session if it occurred during registration.
var ErrMalformed = errors.New("proto: malformed message")

// Message is any of the wire types in this package.
type Message interface {
	Tag() Tag
}

func (Register) Tag() Tag        { return TagRegister }
func (RegisterOk) Tag() Tag      { return TagRegisterOk }
func (RegisterReject) Tag() Tag  { return TagRegisterReject }
func (NodeMap) Tag() Tag         { return TagNodeMap }
func (NodeMapUpdate) Tag() Tag   { return TagNodeMapUpdate }
func (HeartbeatReq) Tag() Tag    { return TagHeartbeatReq }
func (HeartbeatResp) Tag() Tag   { return TagHeartbeatResp }
func (Forward) Tag() Tag         { return TagForward }
func (Relay) Tag() Tag           { return TagRelay }
func (P2P) Tag() Tag             { return TagP2P }
func (KnockReq) Tag() Tag        { return TagKnockReq }
func (KnockResp) Tag() Tag       { return TagKnockResp }

// Encode serializes m as tag byte + payload.
func Encode(m Message) ([]byte, error) {
	e := &encoder{}
	e.u8(uint8(m.Tag()))

	switch v := m.(type) {
	case Register:
		e.str(v.GroupName)
		e.addr(v.VirtualAddr)
		e.str(v.NodeName)
		e.mode(v.Mode)
		e.addr(v.LanAddr)
		e.prefixes(v.AllowedIPs)
		e.ipsMap(v.IPs)
		e.specifyModeMap(v.SpecifyMode)
		e.bytes(v.KeyFingerprint[:])
	case RegisterOk:
		e.addr(v.VirtualAddr)
		e.addr(v.Netmask)
	case RegisterReject:
		e.str(v.Reason)
	case NodeMap:
		e.u16(uint16(len(v.Peers)))
		for _, p := range v.Peers {
			e.peerEntry(p)
		}
	case NodeMapUpdate:
		e.addr(v.LanAddr)
		e.prefixes(v.AllowedIPs)
		e.ipsMap(v.IPs)
	case HeartbeatReq:
		e.u32(v.Seq)
		e.i64(v.SentUnix)
		e.addr(v.From)
	case HeartbeatResp:
		e.u32(v.Seq)
	case Forward:
		e.addr(v.From)
		e.addr(v.To)
		e.u8(v.HopCount)
		e.blob(v.InnerPacket)
	case Relay:
		e.addr(v.To)
		e.u8(v.HopCount)
		e.blob(v.InnerPacket)
	case P2P:
		e.u8(v.HopCount)
		e.blob(v.InnerPacket)
	case KnockReq:
		e.addr(v.Target)
		e.addr(v.From)
	case KnockResp:
		e.addr(v.Target)
		e.addrPort(v.TargetWan)
	default:
		return nil, fmt.Errorf("proto: unknown message type %T", m)
	}

	return e.out, e.err
}

// Decode parses a tagged payload into the corresponding Message.
func Decode(payload []byte) (Message, error) {
	d := &decoder{buf: payload}
	tag := Tag(d.u8())

	var msg Message
	switch tag {
	case TagRegister:
		var v Register
		v.GroupName = d.str()
		v.VirtualAddr = d.addr()
		v.NodeName = d.str()
		v.Mode = d.mode()
		v.LanAddr = d.addr()
		v.AllowedIPs = d.prefixes()
		v.IPs = d.ipsMap()
		v.SpecifyMode = d.specifyModeMap()
		copy(v.KeyFingerprint[:], d.bytesN(8))
		msg = v
	case TagRegisterOk:
		var v RegisterOk
		v.VirtualAddr = d.addr()
		v.Netmask = d.addr()
		msg = v
	case TagRegisterReject:
		msg = RegisterReject{Reason: d.str()}
	case TagNodeMap:
		var v NodeMap
		n := int(d.u16())
		v.Peers = make([]PeerEntry, 0, n)
		for i := 0; i < n; i++ {
			v.Peers = append(v.Peers, d.peerEntry())
		}
		msg = v
	case TagNodeMapUpdate:
		var v NodeMapUpdate
		v.LanAddr = d.addr()
		v.AllowedIPs = d.prefixes()
		v.IPs = d.ipsMap()
		msg = v
	case TagHeartbeatReq:
		var v HeartbeatReq
		v.Seq = d.u32()
		v.SentUnix = d.i64()
		v.From = d.addr()
		msg = v
	case TagHeartbeatResp:
		msg = HeartbeatResp{Seq: d.u32()}
	case TagForward:
		var v Forward
		v.From = d.addr()
		v.To = d.addr()
		v.HopCount = d.u8()
		v.InnerPacket = d.blob()
		msg = v
	case TagRelay:
		var v Relay
		v.To = d.addr()
		v.HopCount = d.u8()
		v.InnerPacket = d.blob()
		msg = v
	case TagP2P:
		var v P2P
		v.HopCount = d.u8()
		v.InnerPacket = d.blob()
		msg = v
	case TagKnockReq:
		var v KnockReq
		v.Target = d.addr()
		v.From = d.addr()
		msg = v
	case TagKnockResp:
		var v KnockResp
		v.Target = d.addr()
		v.TargetWan = d.addrPort()
		msg = v
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, d.err)
	}
	return msg, nil
}

// --- encoder ---

type encoder struct {
	out []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.out = append(e.out, v) }
func (e *encoder) u16(v uint16) { e.out = binary.BigEndian.AppendUint16(e.out, v) }
func (e *encoder) u32(v uint32) { e.out = binary.BigEndian.AppendUint32(e.out, v) }
func (e *encoder) i64(v int64)  { e.out = binary.BigEndian.AppendUint64(e.out, uint64(v)) }

func (e *encoder) bytes(b []byte) { e.out = append(e.out, b...) }

func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.out = append(e.out, s...)
}

func (e *encoder) blob(b []byte) {
	e.u16(uint16(len(b)))
	e.out = append(e.out, b...)
}

func (e *encoder) addr(a netip.Addr) {
	if !a.IsValid() {
		e.u8(0)
		e.bytes(make([]byte, 4))
		return
	}
	a4 := a.As4()
	e.u8(1)
	e.bytes(a4[:])
}

func (e *encoder) addrPort(ap netip.AddrPort) {
	e.addr(ap.Addr())
	e.u16(ap.Port())
}

func (e *encoder) prefix(p netip.Prefix) {
	a4 := p.Addr().As4()
	e.bytes(a4[:])
	e.u8(uint8(p.Bits()))
}

func (e *encoder) prefixes(ps []netip.Prefix) {
	e.u16(uint16(len(ps)))
	for _, p := range ps {
		e.prefix(p)
	}
}

func (e *encoder) mode(m Mode) {
	e.u8(uint8(m.Relay))
	e.u8(uint8(m.P2P))
}

func (e *encoder) ipsMap(m map[netip.Addr][]netip.Prefix) {
	e.u16(uint16(len(m)))
	for addr, prefixes := range m {
		e.addr(addr)
		e.prefixes(prefixes)
	}
}

func (e *encoder) specifyModeMap(m map[netip.Addr]Mode) {
	e.u16(uint16(len(m)))
	for addr, mode := range m {
		e.addr(addr)
		e.mode(mode)
	}
}

func (e *encoder) peerEntry(p PeerEntry) {
	e.addr(p.VirtualAddr)
	e.str(p.NodeName)
	e.mode(p.Mode)
	e.addr(p.LanAddr)
	e.addrPort(p.WanAddr)
	e.prefixes(p.AllowedIPs)
	e.ipsMap(p.IPs)
	e.specifyModeMap(p.SpecifyMode)
}

// --- decoder ---

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errors.New("unexpected end of message")
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil || n < 0 || len(d.buf) < n {
		d.fail()
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) bytesN(n int) []byte {
	b := d.take(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) str() string {
	n := int(d.u16())
	b := d.take(n)
	return string(b)
}

func (d *decoder) blob() []byte {
	n := int(d.u16())
	b := d.take(n)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) addr() netip.Addr {
	present := d.u8()
	raw := d.take(4)
	if present == 0 || d.err != nil {
		return netip.Addr{}
	}
	var a4 [4]byte
	copy(a4[:], raw)
	return netip.AddrFrom4(a4)
}

func (d *decoder) addrPort() netip.AddrPort {
	a := d.addr()
	port := d.u16()
	if !a.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a, port)
}

func (d *decoder) prefix() netip.Prefix {
	raw := d.take(4)
	bits := int(d.u8())
	if d.err != nil {
		return netip.Prefix{}
	}
	var a4 [4]byte
	copy(a4[:], raw)
	p, err := netip.AddrFrom4(a4).Prefix(bits)
	if err != nil {
		d.err = err
		return netip.Prefix{}
	}
	return p
}

func (d *decoder) prefixes() []netip.Prefix {
	n := int(d.u16())
	out := make([]netip.Prefix, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.prefix())
	}
	return out
}

func (d *decoder) mode() Mode {
	return Mode{Relay: Protocol(d.u8()), P2P: Protocol(d.u8())}
}

func (d *decoder) ipsMap() map[netip.Addr][]netip.Prefix {
	n := int(d.u16())
	m := make(map[netip.Addr][]netip.Prefix, n)
	for i := 0; i < n && d.err == nil; i++ {
		addr := d.addr()
		m[addr] = d.prefixes()
	}
	return m
}

func (d *decoder) specifyModeMap() map[netip.Addr]Mode {
	n := int(d.u16())
	m := make(map[netip.Addr]Mode, n)
	for i := 0; i < n && d.err == nil; i++ {
		addr := d.addr()
		m[addr] = d.mode()
	}
	return m
}

func (d *decoder) peerEntry() PeerEntry {
	var p PeerEntry
	p.VirtualAddr = d.addr()
	p.NodeName = d.str()
	p.Mode = d.mode()
	p.LanAddr = d.addr()
	p.WanAddr = d.addrPort()
	p.AllowedIPs = d.prefixes()
	p.IPs = d.ipsMap()
	p.SpecifyMode = d.specifyModeMap()
	return p
}
