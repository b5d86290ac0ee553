package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"meshtun/internal/cipher"
	"meshtun/internal/metrics"
	"meshtun/internal/peermap"
	"meshtun/internal/proto"
	"meshtun/internal/transport"
)

// runTCP drives the C5 state machine: Init -> Connecting -> Registering
// -> Running -> Backoff -> Connecting ... It runs until ctx is canceled.
func (gs *GroupSession) runTCP(ctx context.Context) {
	gs.iface.SetState(StateInit)

	backoff := time.Duration(gs.ncfg.ReconnectIntervalSecs) * time.Second

	for ctx.Err() == nil {
		gs.iface.SetState(StateConnecting)
		conn, err := gs.connect(ctx)
		if err != nil {
			gs.logger.Warn("tcp connect failed", zap.String("group", gs.cfg.NodeName), zap.Error(err))
			gs.goBackoff(ctx, backoff)
			continue
		}

		gs.iface.SetState(StateRegistering)
		ok, err := gs.register(ctx, conn)
		if err != nil || !ok {
			if err != nil {
				gs.logger.Warn("registration failed", zap.Error(err))
			}
			conn.Close()
			gs.goBackoff(ctx, backoff)
			continue
		}

		gs.iface.Peers.Mutate(peermap.ServerVirtualAddr, func(e *peermap.Entry) {
			e.ServerReachable.TCP = true
		})
		metrics.ObserveRegistration(gs.cfg.NodeName)

		gs.iface.SetState(StateRunning)
		gs.runSession(ctx, conn)

		gs.iface.SetState(StateBackoff)
		conn.Close()
		gs.goBackoff(ctx, backoff)
	}
}

func (gs *GroupSession) goBackoff(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (gs *GroupSession) connect(ctx context.Context) (*transport.FramedConn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", gs.serverAddr)
	if err != nil {
		return nil, err
	}
	return transport.NewFramedConn(raw, gs.tcpCipher), nil
}

// register sends Register and waits for RegisterOk/RegisterReject. The
// timeout mirrors the heartbeat expiry window (spec §4.5).
func (gs *GroupSession) register(ctx context.Context, conn *transport.FramedConn) (bool, error) {
	lanAddr, _ := gs.cfg.ParsedLanAddr()

	reg := proto.Register{
		GroupName:   gs.cfg.NodeName,
		VirtualAddr: gs.proposedAddr,
		NodeName:    gs.cfg.NodeName,
		Mode:        gs.mode,
		LanAddr:     lanAddr,
		AllowedIPs:  gs.allowedIPs,
		IPs:         gs.ipsByPeer,
		SpecifyMode: gs.specifyMode,
	}
	copy(reg.KeyFingerprint[:], cipher.Fingerprint(gs.cfg.Key))

	if err := conn.Send(reg); err != nil {
		return false, err
	}

	timeout := time.Duration(gs.ncfg.TCPHeartbeatIntervalSecs) * time.Duration(gs.ncfg.TCPHeartbeatContinuousLoss) * time.Second
	replyCh := make(chan proto.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := conn.Recv()
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- msg
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errCh:
		return false, err
	case <-time.After(timeout):
		return false, fmt.Errorf("registration timed out")
	case msg := <-replyCh:
		switch v := msg.(type) {
		case proto.RegisterOk:
			gs.iface.VirtualAddr = v.VirtualAddr
			gs.iface.Netmask = v.Netmask
			return true, nil
		case proto.RegisterReject:
			return false, fmt.Errorf("register rejected: %s", v.Reason)
		default:
			return false, fmt.Errorf("unexpected reply to Register: %T", msg)
		}
	}
}

// runSession runs the three Running-state sub-tasks concurrently and
// returns when any of them observes a fatal condition, tearing down the
// siblings via ctx cancellation (spec §5: "Session teardown cancels all
// sibling tasks owned by that session").
func (gs *GroupSession) runSession(parent context.Context, conn *transport.FramedConn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{}, 3)
	go func() { gs.heartbeatLoop(ctx, conn); done <- struct{}{} }()
	go func() { gs.inboundLoop(ctx, conn); done <- struct{}{} }()
	go func() { gs.outboundLoop(ctx, conn); done <- struct{}{} }()

	<-done
	cancel()
	<-done
	<-done
}

func (gs *GroupSession) heartbeatLoop(ctx context.Context, conn *transport.FramedConn) {
	interval := time.Duration(gs.ncfg.TCPHeartbeatIntervalSecs) * time.Second
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
			now := time.Now()
			gs.iface.RememberHeartbeat(seq, now)
			if err := conn.Send(proto.HeartbeatReq{Seq: seq, SentUnix: now.Unix()}); err != nil {
				return
			}

			deadlineSeq := seq - uint32(gs.ncfg.TCPHeartbeatContinuousLoss)
			if seq > uint32(gs.ncfg.TCPHeartbeatContinuousLoss) && gs.iface.HeartbeatMissed(deadlineSeq) {
				consecutiveMisses++
			} else {
				consecutiveMisses = 0
			}
			if consecutiveMisses >= gs.ncfg.TCPHeartbeatContinuousLoss {
				gs.logger.Warn("tcp heartbeat loss threshold exceeded, tearing down session",
					zap.String("group", gs.cfg.NodeName))
				metrics.ObserveHeartbeatLoss(gs.cfg.NodeName, "server")
				gs.iface.Peers.Mutate(peermap.ServerVirtualAddr, func(e *peermap.Entry) {
					e.ServerReachable.TCP = false
				})
				return
			}
		}
	}
}

func (gs *GroupSession) inboundLoop(ctx context.Context, conn *transport.FramedConn) {
	msgs := make(chan proto.Message)
	errs := make(chan error, 1)

	go func() {
		for {
			msg, err := conn.Recv()
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
			gs.logger.Debug("tcp inbound closed", zap.Error(err))
			return
		case msg := <-msgs:
			gs.handleTCPMessage(msg)
		}
	}
}

func (gs *GroupSession) handleTCPMessage(msg proto.Message) {
	switch v := msg.(type) {
	case proto.NodeMap:
		gs.applyNodeMap(v)
	case proto.Forward:
		gs.handleForward(v)
	case proto.HeartbeatReq:
		// Server-initiated heartbeat over TCP: reply in kind.
		gs.enqueueOutbound(proto.HeartbeatResp{Seq: v.Seq})
	case proto.HeartbeatResp:
		gs.iface.AckHeartbeat(v.Seq)
	default:
		gs.logger.Warn("unexpected tcp message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (gs *GroupSession) outboundLoop(ctx context.Context, conn *transport.FramedConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-gs.outbound:
			if err := conn.Send(msg); err != nil {
				return
			}
		}
	}
}

// enqueueOutbound offers msg to the egress queue without blocking; on a
// full queue the newest message is dropped silently (spec §5).
func (gs *GroupSession) enqueueOutbound(msg proto.Message) bool {
	select {
	case gs.outbound <- msg:
		return true
	default:
		return false
	}
}

func (gs *GroupSession) applyNodeMap(nm proto.NodeMap) {
	for _, p := range nm.Peers {
		entry := &peermap.Entry{
			VirtualAddr: p.VirtualAddr,
			NodeName:    p.NodeName,
			Mode:        p.Mode,
			LanAddr:     p.LanAddr,
			WanAddr:     p.WanAddr,
			AllowedIPs:  p.AllowedIPs,
			IPs:         p.IPs,
			SpecifyMode: p.SpecifyMode,
		}
		gs.iface.Peers.Put(entry)
	}
	gs.rebuildRoutingTable()
}
