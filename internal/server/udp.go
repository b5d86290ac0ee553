package server

import (
	"context"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"meshtun/internal/metrics"
	"meshtun/internal/proto"
)

func (g *Group) runUDP(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp4", g.cfg.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return err
	}
	g.udpMu.Lock()
	g.udpConn = conn
	g.udpMu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		g.handleDatagram(buf[:n], from)
	}
}

func (g *Group) handleDatagram(raw []byte, from netip.AddrPort) {
	plain := g.udpCipher.Decrypt(append([]byte(nil), raw...))
	msg, err := proto.Decode(plain)
	if err != nil {
		return
	}

	switch v := msg.(type) {
	case proto.HeartbeatReq:
		if v.From.IsValid() {
			g.Peers.UpdateWanAddr(v.From, from)
		}
		g.sendUDPRaw(from, proto.HeartbeatResp{Seq: v.Seq})
	case proto.Relay:
		g.relayUDP(v, from)
	case proto.KnockReq:
		g.handleKnockReq(v, from)
	default:
		g.log.Debug("unexpected udp message", zap.String("group", g.cfg.Name))
	}
}

// relayUDP forwards user traffic arriving over UDP to its destination's
// last known WAN address, subject to the group's flow control rules
// (spec §4.8).
func (g *Group) relayUDP(v proto.Relay, from netip.AddrPort) {
	dst, ok := g.Peers.Get(v.To)
	if !ok || !dst.WanAddr.IsValid() {
		return
	}
	if !g.flow.Allow(v.To, len(v.InnerPacket)) {
		metrics.ObserveFlowDrop(g.cfg.Name)
		return
	}
	g.sendUDPRaw(dst.WanAddr, v)
	metrics.ObserveRelayBytes(g.cfg.Name, "udp", len(v.InnerPacket))
}

// handleKnockReq nudges the target to open a NAT pinhole toward the
// requester, then tells the requester the target's last known WAN
// address (spec's NAT traversal section).
func (g *Group) handleKnockReq(v proto.KnockReq, from netip.AddrPort) {
	target, ok := g.Peers.Get(v.Target)
	if !ok || !target.WanAddr.IsValid() {
		return
	}
	g.sendUDPRaw(from, proto.KnockResp{Target: v.Target, TargetWan: target.WanAddr})
	g.sendUDPRaw(target.WanAddr, proto.KnockReq{Target: v.Target, From: v.From})
}

func (g *Group) sendUDPRaw(dst netip.AddrPort, msg proto.Message) {
	g.udpMu.RLock()
	conn := g.udpConn
	g.udpMu.RUnlock()
	if conn == nil {
		return
	}
	payload, err := proto.Encode(msg)
	if err != nil {
		return
	}
	g.udpCipher.Encrypt(payload)
	_, _ = conn.WriteToUDPAddrPort(payload, dst)
}
