package config

import (
	"fmt"
	"net"
)

// FlowControlRuleConfig is one on-disk (cidr, bytes_per_sec) pair.
type FlowControlRuleConfig struct {
	CIDR        string  `json:"cidr" yaml:"cidr"`
	BytesPerSec float64 `json:"bytes_per_sec" yaml:"bytes_per_sec"`
}

// GroupConfig is one entry of a server config's `groups` array.
type GroupConfig struct {
	Name              string                  `json:"name" yaml:"name"`
	ListenAddr        string                  `json:"listen_addr" yaml:"listen_addr"`
	Key               string                  `json:"key" yaml:"key"`
	EnableKeyRotation bool                    `json:"enable_key_rotation" yaml:"enable_key_rotation"`
	AddressRange      string                  `json:"address_range" yaml:"address_range"`
	FlowControlRules  []FlowControlRuleConfig `json:"flow_control_rules" yaml:"flow_control_rules"`
}

// ServerConfig is the full server daemon configuration.
type ServerConfig struct {
	ChannelLimit                 int           `json:"channel_limit" yaml:"channel_limit"`
	APIAddr                      string        `json:"api_addr" yaml:"api_addr"`
	MetricsAddr                  string        `json:"metrics_addr" yaml:"metrics_addr"`
	TCPHeartbeatIntervalSecs     int           `json:"tcp_heartbeat_interval_secs" yaml:"tcp_heartbeat_interval_secs"`
	UDPHeartbeatIntervalSecs     int           `json:"udp_heartbeat_interval_secs" yaml:"udp_heartbeat_interval_secs"`
	TCPHeartbeatContinuousLoss   int           `json:"tcp_heartbeat_continuous_loss" yaml:"tcp_heartbeat_continuous_loss"`
	UDPHeartbeatContinuousLoss   int           `json:"udp_heartbeat_continuous_loss" yaml:"udp_heartbeat_continuous_loss"`
	NodeMapBroadcastIntervalSecs int           `json:"nodemap_broadcast_interval_secs" yaml:"nodemap_broadcast_interval_secs"`
	Groups                       []GroupConfig `json:"groups" yaml:"groups"`
}

func applyServerDefaults(c *ServerConfig) {
	if c.ChannelLimit == 0 {
		c.ChannelLimit = 100
	}
	if c.APIAddr == "" {
		c.APIAddr = "127.0.0.1:3031"
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
	if c.NodeMapBroadcastIntervalSecs == 0 {
		c.NodeMapBroadcastIntervalSecs = 30
	}
}

// Validate checks structural invariants, including the server-specific
// rule that listen_addr must not be loopback (a server relaying between
// remote nodes bound to 127.0.0.1 could never be reached).
func (c *ServerConfig) Validate() error {
	if len(c.Groups) == 0 {
		return &ConfigError{Msg: "server config must declare at least one group"}
	}
	seen := map[string]bool{}
	for i, g := range c.Groups {
		if g.Name == "" {
			return &ConfigError{Msg: fmt.Sprintf("groups[%d]: name is required", i)}
		}
		if seen[g.Name] {
			return &ConfigError{Msg: fmt.Sprintf("groups[%d]: duplicate group name %q", i, g.Name)}
		}
		seen[g.Name] = true

		if g.AddressRange == "" {
			return &ConfigError{Msg: fmt.Sprintf("group %q: address_range is required", g.Name)}
		}
		if g.ListenAddr == "" {
			return &ConfigError{Msg: fmt.Sprintf("group %q: listen_addr is required", g.Name)}
		}
		if isLoopbackAddr(g.ListenAddr) {
			return &ConfigError{Msg: fmt.Sprintf("group %q: listen_addr must not be loopback", g.Name)}
		}
	}
	return nil
}

func isLoopbackAddr(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
