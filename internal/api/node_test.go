package api

import (
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"testing"

	"go.uber.org/zap"

	"meshtun/internal/node"
	"meshtun/internal/peermap"
)

func TestNodeTypeEndpoint(t *testing.T) {
	h := NewNodeHandler(node.NewRegistry(), zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/type", nil)
	h.ServeHTTP(rec, req)

	if got := rec.Body.String(); got != "node" {
		t.Fatalf("expected body %q, got %q", "node", got)
	}
}

func TestNodeInfoListsInterfaces(t *testing.T) {
	reg := node.NewRegistry()
	reg.Register(node.NewInterfaceState(0, "grp", "server.example:7000"))

	h := NewNodeHandler(reg, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))

	var out []interfaceSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].GroupName != "grp" {
		t.Fatalf("unexpected summaries: %+v", out)
	}
}

func TestNodeInfoUnknownInterfaceIs404(t *testing.T) {
	h := NewNodeHandler(node.NewRegistry(), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/info?interface=7", nil))

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestNodeInfoFiltersByNodeIP(t *testing.T) {
	reg := node.NewRegistry()
	iface := node.NewInterfaceState(0, "grp", "server.example:7000")
	addr := netip.MustParseAddr("10.0.0.9")
	iface.Peers.Put(&peermap.Entry{VirtualAddr: addr, NodeName: "peer-a"})
	reg.Register(iface)

	h := NewNodeHandler(reg, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/info?interface=0&node_ip=10.0.0.9", nil))

	var out peerSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.NodeName != "peer-a" {
		t.Fatalf("expected peer-a, got %+v", out)
	}
}

func TestNodeInfoBadInterfaceIndexIs400(t *testing.T) {
	h := NewNodeHandler(node.NewRegistry(), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/info?interface=not-a-number", nil))

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
