package node

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"meshtun/internal/cipher"
	"meshtun/internal/config"
	"meshtun/internal/peermap"
	"meshtun/internal/proto"
	"meshtun/internal/routing"
	"meshtun/internal/sysroute"
	"meshtun/internal/tundevice"
)

// GroupSession is the full runtime state for one configured group: its
// TUN device, routing table, TCP control session, and UDP handler.
type GroupSession struct {
	node   *Node
	cfg    config.TargetGroup
	ncfg   *config.NodeConfig
	logger *zap.Logger

	iface    *InterfaceState
	tableRef atomic.Pointer[routing.Table]
	tun      tundevice.Device

	tcpCipher cipher.Cipher
	udpCipher cipher.Cipher

	serverAddr   string
	proposedAddr netip.Addr
	mode         proto.Mode
	allowedIPs   []netip.Prefix
	ipsByPeer    map[netip.Addr][]netip.Prefix
	specifyMode  map[netip.Addr]proto.Mode

	allowForward        bool
	allowKernelFallback bool
	hopMax              uint8

	outbound chan proto.Message

	routes *sysroute.Adapter

	udpConn       *net.UDPConn
	serverUDPAddr atomic.Pointer[netip.AddrPort]
}

func (gs *GroupSession) currentServerUDPAddr() (netip.AddrPort, bool) {
	p := gs.serverUDPAddr.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// Node owns every configured group for one daemon process.
type Node struct {
	logger   *zap.Logger
	registry *Registry
	sessions []*GroupSession
}

// New constructs a Node from a fully validated NodeConfig. It does not
// open any sockets or TUN devices; call Run to start each group.
func New(cfg *config.NodeConfig, logger *zap.Logger, makeTun func(name string, mtu int) (tundevice.Device, error)) (*Node, error) {
	n := &Node{logger: logger, registry: NewRegistry()}

	for idx, g := range cfg.Groups {
		iface := NewInterfaceState(idx, g.NodeName, g.ServerAddr)
		n.registry.Register(iface)

		mode := modeFromConfig(g.Mode)
		allowed, err := parsePrefixes(g.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.NodeName, err)
		}
		ipsByPeer, err := parseIPsMap(g.IPs)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.NodeName, err)
		}
		specify, err := parseSpecifyMode(g.SpecifyMode)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.NodeName, err)
		}

		tunCipher := cipher.New(cipherKind(g.EnableKeyRotation), []byte(g.Key))
		udpCipher := cipher.New(cipherKindUDP(g.EnableKeyRotation), []byte(g.Key))

		var proposed netip.Addr
		if g.TunAddr.IP != "" {
			proposed, err = netip.ParseAddr(g.TunAddr.IP)
			if err != nil {
				return nil, fmt.Errorf("group %s: invalid tun_addr.ip: %w", g.NodeName, err)
			}
		}

		tunDev, err := makeTun(fmt.Sprintf("meshtun%d", idx), cfg.MTU)
		if err != nil {
			return nil, fmt.Errorf("group %s: create tun: %w", g.NodeName, err)
		}

		routeInstaller := sysroute.NewPlatformInstaller()

		gs := &GroupSession{
			node:                n,
			cfg:                 g,
			ncfg:                cfg,
			logger:              logger,
			iface:               iface,
			tun:                 tunDev,
			tcpCipher:           tunCipher,
			udpCipher:           udpCipher,
			serverAddr:          g.ServerAddr,
			proposedAddr:        proposed,
			mode:                mode,
			allowedIPs:          allowed,
			ipsByPeer:           ipsByPeer,
			specifyMode:         specify,
			allowForward:        g.AllowForward(),
			allowKernelFallback: g.AllowPacketNotInRulesSendToKernel,
			hopMax:              2,
			outbound:            make(chan proto.Message, cfg.ChannelLimit),
			routes:              sysroute.New(routeInstaller, logger),
		}
		gs.setTable(routing.NewArrayTable())
		gs.iface.Peers.Put(&peermap.Entry{VirtualAddr: peermap.ServerVirtualAddr, NodeName: "server"})
		n.sessions = append(n.sessions, gs)
	}

	return n, nil
}

// Registry exposes the interface registry for the status API.
func (n *Node) Registry() *Registry { return n.registry }

func (gs *GroupSession) currentTable() routing.Table {
	p := gs.tableRef.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (gs *GroupSession) setTable(t routing.Table) {
	gs.tableRef.Store(&t)
}

// Run starts every group's TCP session, UDP handler, and TUN pump, and
// blocks until ctx is canceled.
func (n *Node) Run(ctx context.Context) {
	done := make(chan struct{}, len(n.sessions)*3)
	for _, gs := range n.sessions {
		gs := gs
		go func() { gs.runTCP(ctx); done <- struct{}{} }()
		go func() { gs.runUDP(ctx); done <- struct{}{} }()
		go func() { gs.runTunPump(ctx); done <- struct{}{} }()
	}
	<-ctx.Done()
	for _, gs := range n.sessions {
		gs.routes.Close()
		gs.tun.Close()
	}
}

func modeFromConfig(m config.ModeConfig) proto.Mode {
	var out proto.Mode
	for _, p := range m.Relay {
		out.Relay |= protoFromString(p)
	}
	for _, p := range m.P2P {
		out.P2P |= protoFromString(p)
	}
	return out
}

func protoFromString(s string) proto.Protocol {
	switch s {
	case "TCP", "tcp":
		return proto.ProtoTCP
	case "UDP", "udp":
		return proto.ProtoUDP
	default:
		return 0
	}
}

func cipherKind(rotation bool) cipher.Kind {
	if rotation {
		return cipher.KindRotation
	}
	return cipher.KindXor
}

// cipherKindUDP never returns KindRotation: UDP is unordered and rotation
// state would desync (spec §4.1, §4.6).
func cipherKindUDP(rotation bool) cipher.Kind {
	return cipher.KindXor
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseIPsMap(raw map[string][]string) (map[netip.Addr][]netip.Prefix, error) {
	out := make(map[netip.Addr][]netip.Prefix, len(raw))
	for k, v := range raw {
		addr, err := netip.ParseAddr(k)
		if err != nil {
			return nil, fmt.Errorf("invalid virtual addr %q: %w", k, err)
		}
		prefixes, err := parsePrefixes(v)
		if err != nil {
			return nil, err
		}
		out[addr] = prefixes
	}
	return out, nil
}

func parseSpecifyMode(raw map[string]config.ModeConfig) (map[netip.Addr]proto.Mode, error) {
	out := make(map[netip.Addr]proto.Mode, len(raw))
	for k, v := range raw {
		addr, err := netip.ParseAddr(k)
		if err != nil {
			return nil, fmt.Errorf("invalid virtual addr %q: %w", k, err)
		}
		out[addr] = modeFromConfig(v)
	}
	return out, nil
}
