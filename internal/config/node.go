// Package config loads and validates the node and server JSON/YAML
// configuration files described in spec.md §6, following the teacher's
// dual JSON+YAML struct-tag pattern (internal/config/types.go and
// internal/config/parser.go in the teacher repo).
package config

import (
	"fmt"
	"net/netip"
	"os"
)

// ModeConfig is the on-disk {p2p: [...], relay: [...]} transport set.
type ModeConfig struct {
	P2P   []string `json:"p2p" yaml:"p2p"`
	Relay []string `json:"relay" yaml:"relay"`
}

// Features toggles optional ambient subsystems off.
type Features struct {
	DisableHostsOperation bool `json:"disable_hosts_operation" yaml:"disable_hosts_operation"`
	DisableSignalHandling bool `json:"disable_signal_handling" yaml:"disable_signal_handling"`
	DisableRouteOperation bool `json:"disable_route_operation" yaml:"disable_route_operation"`
	DisableAPIServer      bool `json:"disable_api_server" yaml:"disable_api_server"`
}

// TunAddr is the {ip, netmask} pair assigned to a group's TUN interface.
type TunAddr struct {
	IP      string `json:"ip" yaml:"ip"`
	Netmask string `json:"netmask" yaml:"netmask"`
}

// TargetGroup is one entry of a node config's `groups` array.
type TargetGroup struct {
	NodeName                           string                `json:"node_name" yaml:"node_name"`
	ServerAddr                         string                `json:"server_addr" yaml:"server_addr"`
	TunAddr                            TunAddr               `json:"tun_addr" yaml:"tun_addr"`
	Key                                string                `json:"key" yaml:"key"`
	EnableKeyRotation                  bool                  `json:"enable_key_rotation" yaml:"enable_key_rotation"`
	Mode                               ModeConfig            `json:"mode" yaml:"mode"`
	SpecifyMode                        map[string]ModeConfig `json:"specify_mode" yaml:"specify_mode"`
	LanIPAddr                          string                `json:"lan_ip_addr" yaml:"lan_ip_addr"`
	AllowedIPs                         []string              `json:"allowed_ips" yaml:"allowed_ips"`
	IPs                                map[string][]string   `json:"ips" yaml:"ips"`
	AllowPacketForward                 *bool                 `json:"allow_packet_forward" yaml:"allow_packet_forward"`
	AllowPacketNotInRulesSendToKernel  bool                  `json:"allow_packet_not_in_rules_send_to_kernel" yaml:"allow_packet_not_in_rules_send_to_kernel"`
	SocketBindDevice                   string                `json:"socket_bind_device" yaml:"socket_bind_device"`
}

// AllowForward applies the (true) default from spec §6.
func (g *TargetGroup) AllowForward() bool {
	if g.AllowPacketForward == nil {
		return true
	}
	return *g.AllowPacketForward
}

// NodeConfig is the full node daemon configuration.
type NodeConfig struct {
	MTU                         int           `json:"mtu" yaml:"mtu"`
	ChannelLimit                int           `json:"channel_limit" yaml:"channel_limit"`
	APIAddr                     string        `json:"api_addr" yaml:"api_addr"`
	MetricsAddr                 string        `json:"metrics_addr" yaml:"metrics_addr"`
	TCPHeartbeatIntervalSecs    int           `json:"tcp_heartbeat_interval_secs" yaml:"tcp_heartbeat_interval_secs"`
	UDPHeartbeatIntervalSecs    int           `json:"udp_heartbeat_interval_secs" yaml:"udp_heartbeat_interval_secs"`
	TCPHeartbeatContinuousLoss  int           `json:"tcp_heartbeat_continuous_loss" yaml:"tcp_heartbeat_continuous_loss"`
	UDPHeartbeatContinuousLoss  int           `json:"udp_heartbeat_continuous_loss" yaml:"udp_heartbeat_continuous_loss"`
	UDPHeartbeatContinuousRecv  int           `json:"udp_heartbeat_continuous_recv" yaml:"udp_heartbeat_continuous_recv"`
	ReconnectIntervalSecs       int           `json:"reconnect_interval_secs" yaml:"reconnect_interval_secs"`
	UDPSocketRecvBufferSize     int           `json:"udp_socket_recv_buffer_size" yaml:"udp_socket_recv_buffer_size"`
	UDPSocketSendBufferSize     int           `json:"udp_socket_send_buffer_size" yaml:"udp_socket_send_buffer_size"`
	ExternalRoutingTable        bool          `json:"external_routing_table" yaml:"external_routing_table"`
	Groups                      []TargetGroup `json:"groups" yaml:"groups"`
	FeaturesCfg                 Features      `json:"features" yaml:"features"`
}

// defaultMTU picks the "auto" MTU: 1500 when no group uses UDP, 1446 when
// some group does, and 1426 when some group uses UDP and some group also
// enables key rotation. The IP version of the server address is not
// considered.
func defaultMTU(usesUDP, usesRotation bool) int {
	switch {
	case usesUDP && usesRotation:
		return 1426
	case usesUDP:
		return 1446
	default:
		return 1500
	}
}

func applyNodeDefaults(c *NodeConfig) {
	if c.ChannelLimit == 0 {
		c.ChannelLimit = 100
	}
	if c.APIAddr == "" {
		c.APIAddr = "127.0.0.1:3030"
	}
	if c.TCPHeartbeatIntervalSecs == 0 {
		c.TCPHeartbeatIntervalSecs = 5
	}
	if c.UDPHeartbeatIntervalSecs == 0 {
		c.UDPHeartbeatIntervalSecs = 5
	}
	if c.TCPHeartbeatContinuousLoss == 0 {
		c.TCPHeartbeatContinuousLoss = 5
	}
	if c.UDPHeartbeatContinuousLoss == 0 {
		c.UDPHeartbeatContinuousLoss = 5
	}
	if c.UDPHeartbeatContinuousRecv == 0 {
		c.UDPHeartbeatContinuousRecv = 3
	}
	if c.ReconnectIntervalSecs == 0 {
		c.ReconnectIntervalSecs = 3
	}
	if c.MTU == 0 {
		usesUDP, usesRotation := false, false
		for _, g := range c.Groups {
			if len(g.Mode.P2P) > 0 || containsFold(g.Mode.Relay, "UDP") {
				usesUDP = true
			}
			if g.EnableKeyRotation {
				usesRotation = true
			}
		}
		c.MTU = defaultMTU(usesUDP, usesRotation)
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if eqFold(s, want) {
			return true
		}
	}
	return false
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Validate checks structural invariants that the loader cannot express
// via zero values alone (spec §7: ConfigError is fatal at startup).
func (c *NodeConfig) Validate() error {
	if len(c.Groups) == 0 {
		return &ConfigError{Msg: "node config must declare at least one group"}
	}
	for i, g := range c.Groups {
		if g.ServerAddr == "" {
			return &ConfigError{Msg: fmt.Sprintf("groups[%d]: server_addr is required", i)}
		}
		if g.TunAddr.IP == "" || g.TunAddr.Netmask == "" {
			return &ConfigError{Msg: fmt.Sprintf("groups[%d]: tun_addr.ip and netmask are required", i)}
		}
		if g.NodeName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("groups[%d]: node_name not set and hostname lookup failed: %v", i, err)}
			}
			c.Groups[i].NodeName = hostname
		}
	}
	return nil
}

// ParsedLanAddr parses the group's optional lan_ip_addr; a zero Addr means "not
// set" (auto-detect at runtime, spec §4.6).
func (g *TargetGroup) ParsedLanAddr() (netip.Addr, error) {
	if g.LanIPAddr == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(g.LanIPAddr)
}
