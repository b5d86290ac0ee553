package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"meshtun/internal/config"
	"meshtun/internal/server"
)

func mustServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := &config.ServerConfig{
		ChannelLimit: 10,
		Groups: []config.GroupConfig{
			{Name: "g1", ListenAddr: "127.0.0.1:0", Key: "k", AddressRange: "10.0.0.0/24"},
		},
	}
	srv, err := server.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func TestServerTypeEndpoint(t *testing.T) {
	h := NewServerHandler(mustServer(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/type", nil))

	if got := rec.Body.String(); got != "server" {
		t.Fatalf("expected body %q, got %q", "server", got)
	}
}

func TestServerInfoListsGroups(t *testing.T) {
	h := NewServerHandler(mustServer(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))

	var out []groupSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Name != "g1" || out[0].CIDR != "10.0.0.0/24" {
		t.Fatalf("unexpected summaries: %+v", out)
	}
}

func TestServerNodemapUnknownGroupIs404(t *testing.T) {
	h := NewServerHandler(mustServer(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/nodemap?group=missing", nil))

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServerNodemapEmptyGroupReturnsEmptyList(t *testing.T) {
	h := NewServerHandler(mustServer(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/nodemap?group=g1", nil))

	var out []peerSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no peers registered yet, got %+v", out)
	}
}
