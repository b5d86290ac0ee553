package server

import (
	"context"
	"time"

	"meshtun/internal/peermap"
	"meshtun/internal/proto"
)

// broadcastNodeMap pushes a fresh NodeMap to every currently registered
// peer, each excluding its own entry (spec §4.8: peers never need their
// own row since it is already known locally). Delivery is best-effort:
// QueuedSender drops the update for a peer whose egress queue is full
// rather than blocking the broadcaster.
func (g *Group) broadcastNodeMap() {
	all := g.Peers.Snapshot()

	for _, recipient := range all {
		if recipient.TCP == nil {
			continue
		}
		peers := make([]proto.PeerEntry, 0, len(all)-1)
		for _, p := range all {
			if p.VirtualAddr == recipient.VirtualAddr {
				continue
			}
			peers = append(peers, toPeerEntry(p))
		}
		recipient.TCP.Send(proto.NodeMap{Peers: peers})
	}
}

// broadcastNodeMapLoop pushes a NodeMap on a fixed interval, independent
// of register/disconnect events, so attribute changes picked up between
// membership events (e.g. a newly learned wan_addr) still reach every
// already-connected peer (spec §4.8: "a periodic NodeMap broadcast").
func (g *Group) broadcastNodeMapLoop(ctx context.Context) {
	interval := time.Duration(g.ncfg.NodeMapBroadcastIntervalSecs) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.broadcastNodeMap()
		}
	}
}

func toPeerEntry(e *peermap.Entry) proto.PeerEntry {
	return proto.PeerEntry{
		VirtualAddr: e.VirtualAddr,
		NodeName:    e.NodeName,
		Mode:        e.Mode,
		LanAddr:     e.LanAddr,
		WanAddr:     e.WanAddr,
		AllowedIPs:  e.AllowedIPs,
		IPs:         e.IPs,
		SpecifyMode: e.SpecifyMode,
	}
}
