package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshtun/internal/cipher"
	"meshtun/internal/metrics"
	"meshtun/internal/peermap"
	"meshtun/internal/proto"
	"meshtun/internal/transport"
)

// heartbeatTracker records the highest seq acknowledged by a node's TCP
// heartbeatLoop session, mirroring the node side's InterfaceState ack
// bookkeeping: acks only ever move this forward and timeout checks only
// read it, so a
// concurrent ack arriving while a timeout check runs can't race over a
// shared delete-on-read map key.
type heartbeatTracker struct {
	mu        sync.Mutex
	lastAcked uint32
	haveAcked bool
}

func (h *heartbeatTracker) ack(seq uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.haveAcked || seq > h.lastAcked {
		h.lastAcked = seq
		h.haveAcked = true
	}
}

func (h *heartbeatTracker) missed(seq uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.haveAcked || seq > h.lastAcked
}

const registerTimeout = 10 * time.Second

func (g *Group) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Warn("tcp accept error", zap.String("group", g.cfg.Name), zap.Error(err))
			continue
		}
		go g.handleConn(ctx, conn)
	}
}

func (g *Group) handleConn(ctx context.Context, raw net.Conn) {
	fc := transport.NewFramedConn(raw, g.tcpCipher)

	reg, err := g.awaitRegister(fc)
	if err != nil {
		g.log.Debug("registration handshake failed", zap.String("group", g.cfg.Name), zap.Error(err))
		fc.Close()
		return
	}

	if !bytes.Equal(cipher.Fingerprint(g.cfg.Key), reg.KeyFingerprint[:]) {
		_ = fc.Send(proto.RegisterReject{Reason: "key mismatch"})
		fc.Close()
		return
	}

	addr, err := g.ChooseAddr(reg.VirtualAddr)
	if err != nil {
		_ = fc.Send(proto.RegisterReject{Reason: err.Error()})
		fc.Close()
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sender := transport.NewQueuedSender(fc, g.ncfg.ChannelLimit, func(error) { cancel() })

	entry := &peermap.Entry{
		VirtualAddr:  addr,
		NodeName:     reg.NodeName,
		RegisterTime: time.Now(),
		Mode:         reg.Mode,
		LanAddr:      reg.LanAddr,
		AllowedIPs:   reg.AllowedIPs,
		IPs:          reg.IPs,
		SpecifyMode:  reg.SpecifyMode,
		ServerReachable: peermap.Reachability{TCP: true},
		TCP:          sender,
	}
	// Put evicts and closes any stale session already registered at this
	// address (spec invariant: virtual addresses are unique per group).
	g.Peers.Put(entry)

	if err := fc.Send(proto.RegisterOk{VirtualAddr: addr, Netmask: netmaskAddr(g.CIDR)}); err != nil {
		g.Peers.Delete(addr)
		cancel()
		return
	}

	metrics.ObserveRegistration(g.cfg.Name)
	g.log.Info("node registered", zap.String("group", g.cfg.Name), zap.String("node", reg.NodeName), zap.String("addr", addr.String()))
	g.broadcastNodeMap()

	g.runSession(sessCtx, cancel, fc, addr)

	cancel()
	g.Peers.Delete(addr)
	g.broadcastNodeMap()
}

// runSession runs the registered session's inbound dispatcher and its
// server-initiated heartbeat sender/monitor concurrently, tearing down the
// sibling task via ctx cancellation once either observes a fatal
// condition (spec §4.8: same teardown semantics as the node's C5 session).
func (g *Group) runSession(ctx context.Context, cancel context.CancelFunc, fc *transport.FramedConn, self netip.Addr) {
	hb := &heartbeatTracker{}

	done := make(chan struct{}, 2)
	go func() { g.heartbeatLoop(ctx, cancel, self, hb); done <- struct{}{} }()
	go func() { g.sessionLoop(ctx, fc, self, hb); done <- struct{}{} }()

	<-done
	cancel()
	<-done
}

// heartbeatLoop is the server-initiated half of the TCP heartbeat: it
// sends periodic HeartbeatReq to this session and closes it once
// tcp_heartbeat_continuous_loss consecutive sends go unacknowledged
// (spec §4.8: "heartbeat sender/monitor ... with TCP loss count closing
// the session").
func (g *Group) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, self netip.Addr, hb *heartbeatTracker) {
	threshold := g.ncfg.TCPHeartbeatContinuousLoss
	interval := time.Duration(g.ncfg.TCPHeartbeatIntervalSecs) * time.Second
	if interval <= 0 || threshold <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	consecutiveMisses := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if !g.sendTo(self, proto.HeartbeatReq{Seq: seq, SentUnix: time.Now().Unix()}) {
				return
			}

			deadlineSeq := seq - uint32(threshold)
			if seq > uint32(threshold) && hb.missed(deadlineSeq) {
				consecutiveMisses++
			} else {
				consecutiveMisses = 0
			}
			if consecutiveMisses >= threshold {
				g.log.Warn("tcp heartbeat loss threshold exceeded, closing session",
					zap.String("group", g.cfg.Name), zap.String("node", self.String()))
				metrics.ObserveHeartbeatLoss(g.cfg.Name, self.String())
				cancel()
				return
			}
		}
	}
}

// awaitRegister reads exactly one message and requires it to be Register,
// bounded by registerTimeout (spec §4.8: an unregistered connection that
// never registers must not tie up a goroutine indefinitely).
func (g *Group) awaitRegister(fc *transport.FramedConn) (proto.Register, error) {
	type result struct {
		msg proto.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := fc.Recv()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return proto.Register{}, r.err
		}
		reg, ok := r.msg.(proto.Register)
		if !ok {
			return proto.Register{}, fmt.Errorf("expected Register, got %T", r.msg)
		}
		return reg, nil
	case <-time.After(registerTimeout):
		return proto.Register{}, fmt.Errorf("registration timed out")
	}
}

// sessionLoop dispatches every message received over a registered node's
// TCP session until the connection errors or ctx is canceled.
func (g *Group) sessionLoop(ctx context.Context, fc *transport.FramedConn, self netip.Addr, hb *heartbeatTracker) {
	msgs := make(chan proto.Message)
	errs := make(chan error, 1)

	go func() {
		for {
			msg, err := fc.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			g.log.Debug("tcp session closed", zap.String("group", g.cfg.Name), zap.Error(err))
			return
		case msg := <-msgs:
			g.handleTCPMessage(self, msg, hb)
		}
	}
}

func (g *Group) handleTCPMessage(self netip.Addr, msg proto.Message, hb *heartbeatTracker) {
	switch v := msg.(type) {
	case proto.HeartbeatReq:
		g.sendTo(self, proto.HeartbeatResp{Seq: v.Seq})
	case proto.HeartbeatResp:
		hb.ack(v.Seq)
	case proto.NodeMapUpdate:
		g.Peers.Mutate(self, func(e *peermap.Entry) {
			e.LanAddr = v.LanAddr
			e.AllowedIPs = v.AllowedIPs
			e.IPs = v.IPs
		})
		g.broadcastNodeMap()
	case proto.Forward:
		g.relayForward(v)
	default:
		g.log.Warn("unexpected tcp message", zap.String("group", g.cfg.Name), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// sendTo enqueues msg on the TCP session registered for addr, if any.
func (g *Group) sendTo(addr netip.Addr, msg proto.Message) bool {
	e, ok := g.Peers.Get(addr)
	if !ok || e.TCP == nil {
		return false
	}
	return e.TCP.Send(msg)
}

// relayForward hands a Forward message to its destination's TCP session,
// dropping it if the destination is unknown or not connected (spec §4.8:
// the server is a pure relay and never queues for an absent peer).
func (g *Group) relayForward(v proto.Forward) {
	if !g.flow.Allow(v.To, len(v.InnerPacket)) {
		metrics.ObserveFlowDrop(g.cfg.Name)
		return
	}
	if g.sendTo(v.To, v) {
		metrics.ObserveRelayBytes(g.cfg.Name, "tcp", len(v.InnerPacket))
	}
}
