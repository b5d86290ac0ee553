package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadNodeConfigJSONDefaults(t *testing.T) {
	path := writeTemp(t, "node.json", `{
		"groups": [{
			"server_addr": "example.com:7000",
			"tun_addr": {"ip": "10.0.0.2", "netmask": "255.255.255.0"},
			"key": "secret",
			"mode": {"p2p": ["UDP"], "relay": ["TCP", "UDP"]}
		}]
	}`)

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.ChannelLimit != 100 {
		t.Fatalf("expected default channel_limit=100, got %d", cfg.ChannelLimit)
	}
	if cfg.APIAddr != "127.0.0.1:3030" {
		t.Fatalf("expected default api_addr, got %s", cfg.APIAddr)
	}
	if cfg.ReconnectIntervalSecs != 3 {
		t.Fatalf("expected default reconnect_interval_secs=3, got %d", cfg.ReconnectIntervalSecs)
	}
	if !cfg.Groups[0].AllowForward() {
		t.Fatal("expected allow_packet_forward to default true")
	}
	if cfg.MTU != 1446 {
		t.Fatalf("expected auto mtu 1446 for udp-enabled group, got %d", cfg.MTU)
	}
}

func TestLoadNodeConfigYAML(t *testing.T) {
	path := writeTemp(t, "node.yaml", `
groups:
  - server_addr: "example.com:7000"
    tun_addr:
      ip: "10.0.0.2"
      netmask: "255.255.255.0"
    key: "secret"
`)
	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig yaml: %v", err)
	}
	if cfg.Groups[0].ServerAddr != "example.com:7000" {
		t.Fatalf("unexpected server_addr: %s", cfg.Groups[0].ServerAddr)
	}
}

func TestLoadNodeConfigMissingServerAddr(t *testing.T) {
	path := writeTemp(t, "node.json", `{"groups": [{"tun_addr": {"ip": "10.0.0.2", "netmask": "255.255.255.0"}}]}`)
	_, err := LoadNodeConfig(path)
	if err == nil {
		t.Fatal("expected ConfigError for missing server_addr")
	}
}

func TestLoadServerConfigRejectsLoopback(t *testing.T) {
	path := writeTemp(t, "server.json", `{
		"groups": [{"name": "g1", "listen_addr": "127.0.0.1:7000", "address_range": "10.0.0.0/24"}]
	}`)
	_, err := LoadServerConfig(path)
	if err == nil {
		t.Fatal("expected ConfigError for loopback listen_addr")
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	path := writeTemp(t, "server.json", `{
		"groups": [{"name": "g1", "listen_addr": "0.0.0.0:7000", "address_range": "10.0.0.0/24"}]
	}`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:3031" {
		t.Fatalf("expected default server api_addr, got %s", cfg.APIAddr)
	}
	if cfg.NodeMapBroadcastIntervalSecs != 30 {
		t.Fatalf("expected default nodemap_broadcast_interval_secs=30, got %d", cfg.NodeMapBroadcastIntervalSecs)
	}
}
