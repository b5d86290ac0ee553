package node

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"meshtun/internal/metrics"
	"meshtun/internal/peermap"
	"meshtun/internal/proto"
	"meshtun/internal/routing"
)

// runTunPump is the C7 reader task: parse destination IPv4, consult the
// routing table, and steer the packet to UDP direct, UDP relay, TCP
// relay, the kernel, or drop it (spec §4.7, steps 1-5).
func (gs *GroupSession) runTunPump(ctx context.Context) {
	buf := make([]byte, gs.mtu()+64)
	for ctx.Err() == nil {
		n, err := gs.tun.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			gs.logger.Warn("tun read error", zap.Error(err))
			continue
		}
		if n < 20 {
			continue // too short to be IPv4
		}
		pkt := buf[:n]
		if pkt[0]>>4 != 4 {
			continue // reject non-IPv4 silently
		}
		dst, ok := parseDstIPv4(pkt)
		if !ok {
			continue
		}
		gs.route(dst, append([]byte(nil), pkt...), 0)
	}
}

func (gs *GroupSession) mtu() int {
	if gs.tun != nil {
		return gs.tun.MTU()
	}
	return 1500
}

func parseDstIPv4(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 20 {
		return netip.Addr{}, false
	}
	var a4 [4]byte
	copy(a4[:], pkt[16:20])
	return netip.AddrFrom4(a4), true
}

// route implements the routing decision shared by the TUN pump (hop 0)
// and by re-entrant packet forwarding (spec §4.7's forwarding paragraph).
func (gs *GroupSession) route(dst netip.Addr, packet []byte, hop uint8) {
	tbl := gs.currentTable()
	if tbl == nil {
		return
	}

	item, found := tbl.Find(dst)
	if !found {
		if gs.allowKernelFallback {
			gs.writeTun(packet)
		}
		return
	}

	if item.Gateway == gs.iface.VirtualAddr {
		gs.writeTun(packet)
		return
	}

	peer, ok := gs.iface.Peers.Get(item.Gateway)
	if !ok {
		return
	}

	gs.deliverToPeer(peer, item, packet, hop)
}

func (gs *GroupSession) writeTun(packet []byte) {
	if _, err := gs.tun.Write(packet); err != nil {
		gs.logger.Warn("tun write error", zap.Error(err))
	}
}

// deliverToPeer picks UDP-direct, UDP-relay, or TCP-relay per the
// intersection of the peer's Mode and this node's specify_mode override
// for that peer, if any, in that priority order (spec §4.7 step 5).
func (gs *GroupSession) deliverToPeer(peer *peermap.Entry, item routing.Item, packet []byte, hop uint8) {
	effective := effectiveMode(peer, gs.specifyMode)

	if effective.P2P&proto.ProtoUDP != 0 && peer.WanAddr.IsValid() {
		if up, _, _ := gs.iface.UDPStatusFor(peer.VirtualAddr).Snapshot(); up {
			gs.sendP2P(peer.WanAddr, packet, hop)
			metrics.ObserveRelayBytes(gs.cfg.NodeName, "udp-direct", len(packet))
			return
		}
	}
	if effective.Relay&proto.ProtoUDP != 0 {
		gs.sendUDPRelay(peer.VirtualAddr, packet, hop)
		metrics.ObserveRelayBytes(gs.cfg.NodeName, "udp-relay", len(packet))
		return
	}
	if effective.Relay&proto.ProtoTCP != 0 {
		gs.enqueueOutbound(proto.Forward{
			From:        gs.iface.VirtualAddr,
			To:          peer.VirtualAddr,
			HopCount:    hop,
			InnerPacket: packet,
		})
		metrics.ObserveRelayBytes(gs.cfg.NodeName, "tcp-relay", len(packet))
		return
	}
	// no usable path: drop
}

func effectiveMode(peer *peermap.Entry, overrides map[netip.Addr]proto.Mode) proto.Mode {
	m := peer.Mode
	if o, ok := overrides[peer.VirtualAddr]; ok {
		m.Relay &= o.Relay
		m.P2P &= o.P2P
	}
	return m
}

// handleForward processes an inbound Forward message: deliver
// locally if addressed to this node, otherwise re-enter routing (packet
// forwarding, bounded by hopMax to prevent loops).
func (gs *GroupSession) handleForward(f proto.Forward) {
	if f.To != gs.iface.VirtualAddr {
		if !gs.allowForward || f.HopCount >= gs.hopMax {
			return
		}
		if dst, ok := parseDstIPv4(f.InnerPacket); ok {
			gs.route(dst, f.InnerPacket, f.HopCount+1)
		}
		return
	}
	gs.writeTun(f.InnerPacket)
}

func (gs *GroupSession) handleRelay(r proto.Relay, from netip.Addr) {
	dst, ok := parseDstIPv4(r.InnerPacket)
	if !ok {
		return
	}
	if dst == gs.iface.VirtualAddr {
		gs.writeTun(r.InnerPacket)
		return
	}
	if !gs.allowForward || r.HopCount >= gs.hopMax {
		return
	}
	gs.route(dst, r.InnerPacket, r.HopCount+1)
}

func (gs *GroupSession) handleP2P(p proto.P2P, from netip.Addr) {
	dst, ok := parseDstIPv4(p.InnerPacket)
	if !ok {
		return
	}
	if dst == gs.iface.VirtualAddr {
		gs.writeTun(p.InnerPacket)
		return
	}
	if !gs.allowForward || p.HopCount >= gs.hopMax {
		return
	}
	gs.route(dst, p.InnerPacket, p.HopCount+1)
}

// rebuildRoutingTable regenerates the routing table from the current
// PeerMap snapshot: self, each peer's virtual address, allowed-IPs, and
// any additional CIDRs owned by nodes under that peer.
func (gs *GroupSession) rebuildRoutingTable() {
	tbl := routing.NewArrayTable()

	if gs.iface.VirtualAddr.IsValid() {
		selfMask := maskedCIDR(gs.iface.VirtualAddr, gs.iface.Netmask)
		tbl.Add(routing.Item{CIDR: selfMask, Gateway: gs.iface.VirtualAddr, Kind: routing.KindVirtualRange})
	}

	for _, peer := range gs.iface.Peers.Snapshot() {
		if p, err := peer.VirtualAddr.Prefix(32); err == nil {
			tbl.Add(routing.Item{CIDR: p, Gateway: peer.VirtualAddr, Kind: routing.KindVirtualRange})
		}
		for _, cidr := range peer.AllowedIPs {
			tbl.Add(routing.Item{CIDR: cidr, Gateway: peer.VirtualAddr, Kind: routing.KindAllowedIPsRange})
		}
		for _, cidrs := range peer.IPs {
			for _, cidr := range cidrs {
				tbl.Add(routing.Item{CIDR: cidr, Gateway: peer.VirtualAddr, Kind: routing.KindIPsRange})
			}
		}
	}

	gs.setTable(tbl)
}

func maskedCIDR(addr, netmask netip.Addr) netip.Prefix {
	bits := 32
	if netmask.IsValid() {
		bits = prefixLenFromMask(netmask)
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		p, _ = addr.Prefix(32)
	}
	return p
}

func prefixLenFromMask(mask netip.Addr) int {
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n := 0
	for i := 31; i >= 0; i-- {
		if v&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
