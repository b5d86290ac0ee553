package api

import (
	"net/http"

	"go.uber.org/zap"

	"meshtun/internal/server"
)

type groupSummary struct {
	Name       string `json:"name"`
	CIDR       string `json:"cidr"`
	ListenAddr string `json:"listen_addr"`
	PeerCount  int    `json:"peer_count"`
}

// NewServerHandler builds the server daemon's status API mux.
func NewServerHandler(srv *server.Server, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/type", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("server"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, groupSummaries(srv))
	})

	mux.HandleFunc("/nodemap", func(w http.ResponseWriter, r *http.Request) {
		handleNodemap(w, r, srv, log)
	})

	return mux
}

func groupSummaries(srv *server.Server) []groupSummary {
	groups := srv.Groups()
	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupSummary{
			Name:       g.Name,
			CIDR:       g.CIDR.String(),
			ListenAddr: g.ListenAddr,
			PeerCount:  g.Peers.Len(),
		})
	}
	return out
}

func handleNodemap(w http.ResponseWriter, r *http.Request, srv *server.Server, log *zap.Logger) {
	name := r.URL.Query().Get("group")
	g, ok := srv.Groups()[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	nodeIP := r.URL.Query().Get("node_ip")
	if nodeIP == "" {
		peers := g.Peers.Snapshot()
		out := make([]peerSummary, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerSummaryNoUDPStatus(p))
		}
		writeJSON(w, log, out)
		return
	}

	addr, err := parseAddr(nodeIP)
	if err != nil {
		http.Error(w, "invalid node_ip", http.StatusBadRequest)
		return
	}
	p, ok := g.Peers.Get(addr)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, log, peerSummaryNoUDPStatus(p))
}
