package node

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"meshtun/internal/peermap"
	"meshtun/internal/proto"
)

// runUDP is the C6 handler: direct P2P, UDP relay via the server, UDP
// heartbeats (to the server and to P2P-reachable peers), and NAT-punch
// assistance via knock. It runs until ctx is canceled, reconnecting its
// socket and re-resolving the server address on failure.
func (gs *GroupSession) runUDP(ctx context.Context) {
	interval := time.Duration(gs.ncfg.UDPHeartbeatIntervalSecs) * time.Second
	backoff := time.Duration(gs.ncfg.ReconnectIntervalSecs) * time.Second

	for ctx.Err() == nil {
		if err := gs.openUDP(ctx); err != nil {
			gs.logger.Warn("udp socket open failed", zap.String("group", gs.cfg.NodeName), zap.Error(err))
			gs.goBackoff(ctx, backoff)
			continue
		}

		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() { gs.udpReadLoop(loopCtx); cancel(); close(done) }()
		gs.udpHeartbeatLoop(loopCtx, interval)
		cancel()

		gs.udpConn.Close()
		<-done
		gs.goBackoff(ctx, backoff)
	}
}

func (gs *GroupSession) openUDP(ctx context.Context) error {
	host, _, err := net.SplitHostPort(gs.serverAddr)
	if err != nil {
		host = gs.serverAddr
	}
	raddr, err := net.ResolveUDPAddr("udp4", gs.serverAddr)
	if err != nil {
		return err
	}
	ap, err := netip.ParseAddrPort(raddr.String())
	if err != nil {
		// ResolveUDPAddr may return a hostname-free dotted form; fall back
		// to manual construction if parsing the String() form fails.
		addr, aerr := netip.ParseAddr(host)
		if aerr != nil {
			return aerr
		}
		ap = netip.AddrPortFrom(addr, uint16(raddr.Port))
	}
	gs.serverUDPAddr.Store(&ap)

	laddr := &net.UDPAddr{Port: 0}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	if gs.ncfg.UDPSocketRecvBufferSize > 0 {
		_ = conn.SetReadBuffer(gs.ncfg.UDPSocketRecvBufferSize)
	}
	if gs.ncfg.UDPSocketSendBufferSize > 0 {
		_ = conn.SetWriteBuffer(gs.ncfg.UDPSocketSendBufferSize)
	}
	gs.udpConn = conn
	return nil
}

func (gs *GroupSession) udpReadLoop(ctx context.Context) {
	buf := make([]byte, gs.mtu()+128)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := gs.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}
		gs.handleUDPDatagram(buf[:n], from)
	}
}

func (gs *GroupSession) handleUDPDatagram(raw []byte, from netip.AddrPort) {
	plain := gs.udpCipher.Decrypt(append([]byte(nil), raw...))
	msg, err := proto.Decode(plain)
	if err != nil {
		return
	}

	switch v := msg.(type) {
	case proto.HeartbeatReq:
		gs.sendUDPRaw(from, proto.HeartbeatResp{Seq: v.Seq})
		if v.From.IsValid() {
			gs.iface.Peers.UpdateWanAddr(v.From, from)
			gs.iface.UDPStatusFor(v.From).RecordReply(1)
		}
	case proto.HeartbeatResp:
		gs.handleUDPHeartbeatResp(v, from)
	case proto.Relay:
		gs.handleRelay(v, from)
	case proto.P2P:
		gs.handleP2P(v, from)
	case proto.KnockReq:
		gs.handleKnockReq(v)
	case proto.KnockResp:
		gs.handleKnockResp(v)
	default:
		gs.logger.Debug("unexpected udp message", zap.String("group", gs.cfg.NodeName))
	}
}

func (gs *GroupSession) handleUDPHeartbeatResp(v proto.HeartbeatResp, from netip.AddrPort) {
	if serverAddr, ok := gs.currentServerUDPAddr(); ok && from == serverAddr {
		st := gs.iface.UDPStatusFor(peermap.ServerVirtualAddr)
		if up := st.RecordReply(gs.ncfg.UDPHeartbeatContinuousRecv); up {
			gs.iface.Peers.Mutate(peermap.ServerVirtualAddr, func(e *peermap.Entry) {
				e.ServerReachable.UDP = true
			})
		}
		return
	}
	if peerAddr, ok := gs.peerByWanAddr(from); ok {
		st := gs.iface.UDPStatusFor(peerAddr)
		st.RecordReply(gs.ncfg.UDPHeartbeatContinuousRecv)
	}
}

// peerByWanAddr finds the virtual address of the peer currently believed
// to own the UDP source address from, since inbound datagrams carry no
// sender identity of their own (spec §4.6).
func (gs *GroupSession) peerByWanAddr(from netip.AddrPort) (netip.Addr, bool) {
	for _, p := range gs.iface.Peers.Snapshot() {
		if p.WanAddr == from {
			return p.VirtualAddr, true
		}
	}
	return netip.Addr{}, false
}

// udpHeartbeatLoop sends periodic heartbeats to the server and to every
// peer with a known WAN address and UDP enabled, tracking per-peer loss
// so a peer can be demoted to relay-only after udp_heartbeat_continuous_loss
// consecutive misses (spec §4.6, §8).
func (gs *GroupSession) udpHeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			now := time.Now().Unix()
			req := proto.HeartbeatReq{Seq: seq, SentUnix: now, From: gs.iface.VirtualAddr}

			if serverAddr, ok := gs.currentServerUDPAddr(); ok {
				gs.sendUDPRaw(serverAddr, req)
				if st := gs.iface.UDPStatusFor(peermap.ServerVirtualAddr); st.RecordLoss(gs.ncfg.UDPHeartbeatContinuousLoss) {
					gs.iface.Peers.Mutate(peermap.ServerVirtualAddr, func(e *peermap.Entry) {
						e.ServerReachable.UDP = false
					})
				}
			}

			for _, p := range gs.iface.Peers.Snapshot() {
				if p.VirtualAddr == peermap.ServerVirtualAddr || !p.WanAddr.IsValid() {
					continue
				}
				if p.Mode.P2P == 0 {
					continue
				}
				gs.sendUDPRaw(p.WanAddr, req)
				gs.iface.UDPStatusFor(p.VirtualAddr).RecordLoss(gs.ncfg.UDPHeartbeatContinuousLoss)
			}
		}
	}
}

func (gs *GroupSession) sendUDPRaw(dst netip.AddrPort, msg proto.Message) {
	if gs.udpConn == nil {
		return
	}
	payload, err := proto.Encode(msg)
	if err != nil {
		return
	}
	gs.udpCipher.Encrypt(payload)
	_, _ = gs.udpConn.WriteToUDPAddrPort(payload, dst)
}

// sendP2P writes a direct UDP packet to a peer's known WAN address.
func (gs *GroupSession) sendP2P(dst netip.AddrPort, innerPacket []byte, hop uint8) {
	gs.sendUDPRaw(dst, proto.P2P{HopCount: hop, InnerPacket: innerPacket})
}

// sendUDPRelay routes a packet through the server over UDP, addressed by
// the destination peer's virtual address.
func (gs *GroupSession) sendUDPRelay(to netip.Addr, innerPacket []byte, hop uint8) {
	serverAddr, ok := gs.currentServerUDPAddr()
	if !ok {
		return
	}
	gs.sendUDPRaw(serverAddr, proto.Relay{To: to, HopCount: hop, InnerPacket: innerPacket})
}

// requestKnock asks the server to nudge target into opening a NAT
// pinhole toward this node. Nothing in the node calls it: a node does not
// start a knock exchange on its own.
func (gs *GroupSession) requestKnock(target netip.Addr) {
	serverAddr, ok := gs.currentServerUDPAddr()
	if !ok {
		return
	}
	gs.sendUDPRaw(serverAddr, proto.KnockReq{Target: target, From: gs.iface.VirtualAddr})
}

// handleKnockReq is delivered by the server to the node that some other
// node (v.From) wants to reach; it opens its own NAT mapping toward the
// requester by sending a bare heartbeat probe.
func (gs *GroupSession) handleKnockReq(v proto.KnockReq) {
	peer, ok := gs.iface.Peers.Get(v.From)
	if !ok || !peer.WanAddr.IsValid() {
		return
	}
	gs.sendUDPRaw(peer.WanAddr, proto.HeartbeatReq{Seq: 0, SentUnix: time.Now().Unix(), From: gs.iface.VirtualAddr})
}

// handleKnockResp carries the target's freshly observed WAN address back
// to the requester, which can now attempt direct P2P.
func (gs *GroupSession) handleKnockResp(v proto.KnockResp) {
	gs.iface.Peers.UpdateWanAddr(v.Target, v.TargetWan)
	gs.sendUDPRaw(v.TargetWan, proto.HeartbeatReq{Seq: 0, SentUnix: time.Now().Unix(), From: gs.iface.VirtualAddr})
}
