package api

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"go.uber.org/zap"

	"meshtun/internal/node"
	"meshtun/internal/peermap"
)

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("api: failed to encode response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func addrPortString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return ""
	}
	return ap.String()
}

func parseAddr(s string) (netip.Addr, error) {
	return netip.ParseAddr(s)
}

// peerSummaryNoUDPStatus renders a peermap.Entry without per-peer UDP
// liveness, which only the node side tracks (server.Group has no
// InterfaceState).
func peerSummaryNoUDPStatus(e *peermap.Entry) peerSummary {
	return peerSummary{
		VirtualAddr: addrString(e.VirtualAddr),
		NodeName:    e.NodeName,
		LanAddr:     addrString(e.LanAddr),
		WanAddr:     addrPortString(e.WanAddr),
		ServerTCP:   e.ServerReachable.TCP,
		ServerUDP:   e.ServerReachable.UDP,
	}
}

func toPeerSummary(iface *node.InterfaceState, e *peermap.Entry) peerSummary {
	up, _, _ := iface.UDPStatusFor(e.VirtualAddr).Snapshot()
	return peerSummary{
		VirtualAddr: addrString(e.VirtualAddr),
		NodeName:    e.NodeName,
		LanAddr:     addrString(e.LanAddr),
		WanAddr:     addrPortString(e.WanAddr),
		ServerTCP:   e.ServerReachable.TCP,
		ServerUDP:   e.ServerReachable.UDP,
		UDPUp:       up,
	}
}
