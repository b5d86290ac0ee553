// Package api implements the read-only status HTTP surface (C9) exposed
// by both the node and server daemons: a process-type probe at /type and
// a JSON info endpoint at /info, following the same small net/http
// router shape the original implementation used for its own status API
// (see original_source/src/server/api.rs).
package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"meshtun/internal/node"
)

type interfaceSummary struct {
	Index       int    `json:"index"`
	GroupName   string `json:"group_name"`
	State       string `json:"state"`
	VirtualAddr string `json:"virtual_addr,omitempty"`
	Netmask     string `json:"netmask,omitempty"`
	ServerAddr  string `json:"server_addr"`
	PeerCount   int    `json:"peer_count"`
}

type peerSummary struct {
	VirtualAddr string `json:"virtual_addr"`
	NodeName    string `json:"node_name"`
	LanAddr     string `json:"lan_addr,omitempty"`
	WanAddr     string `json:"wan_addr,omitempty"`
	ServerTCP   bool   `json:"server_reachable_tcp"`
	ServerUDP   bool   `json:"server_reachable_udp"`
	UDPUp       bool   `json:"udp_up"`
}

// NewNodeHandler builds the node daemon's status API mux.
func NewNodeHandler(reg *node.Registry, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/type", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("node"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleNodeInfo(w, r, reg, log)
	})

	return mux
}

func handleNodeInfo(w http.ResponseWriter, r *http.Request, reg *node.Registry, log *zap.Logger) {
	idxParam := r.URL.Query().Get("interface")
	if idxParam == "" {
		writeJSON(w, log, allInterfaceSummaries(reg))
		return
	}

	idx, err := strconv.Atoi(idxParam)
	if err != nil {
		http.Error(w, "invalid interface index", http.StatusBadRequest)
		return
	}
	iface, ok := reg.Get(idx)
	if !ok {
		http.NotFound(w, r)
		return
	}

	nodeIP := r.URL.Query().Get("node_ip")
	if nodeIP == "" {
		writeJSON(w, log, toPeerSummaries(iface))
		return
	}

	addr, err := parseAddr(nodeIP)
	if err != nil {
		http.Error(w, "invalid node_ip", http.StatusBadRequest)
		return
	}
	peer, ok := iface.Peers.Get(addr)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, log, toPeerSummary(iface, peer))
}

func allInterfaceSummaries(reg *node.Registry) []interfaceSummary {
	ifaces := reg.All()
	out := make([]interfaceSummary, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, interfaceSummary{
			Index:       iface.InterfaceIndex,
			GroupName:   iface.GroupName,
			State:       iface.State().String(),
			VirtualAddr: addrString(iface.VirtualAddr),
			Netmask:     addrString(iface.Netmask),
			ServerAddr:  iface.ServerAddr,
			PeerCount:   iface.Peers.Len(),
		})
	}
	return out
}

func toPeerSummaries(iface *node.InterfaceState) []peerSummary {
	peers := iface.Peers.Snapshot()
	out := make([]peerSummary, 0, len(peers))
	for _, p := range peers {
		out = append(out, toPeerSummary(iface, p))
	}
	return out
}
