// Package server implements the coordinating server side of the mesh
// (C8): per-group TCP registration/relay sessions, UDP relay and
// heartbeat handling, flow control, and NodeMap distribution. It shares
// the peermap, proto, transport, and flowcontrol packages with the node
// side rather than reimplementing them.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"meshtun/internal/cipher"
	"meshtun/internal/config"
	"meshtun/internal/flowcontrol"
	"meshtun/internal/peermap"
)

// Group is the server-side runtime state for one configured overlay.
type Group struct {
	*peermap.Group

	cfg  config.GroupConfig
	ncfg *config.ServerConfig
	log  *zap.Logger

	tcpCipher cipher.Cipher
	udpCipher cipher.Cipher
	flow      *flowcontrol.Controller

	udpMu   sync.RWMutex
	udpConn *net.UDPConn
}

// Server owns every configured group for one daemon process.
type Server struct {
	logger *zap.Logger
	groups map[string]*Group
}

// New builds a Server from a validated ServerConfig.
func New(cfg *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	s := &Server{logger: logger, groups: make(map[string]*Group, len(cfg.Groups))}

	for _, gc := range cfg.Groups {
		cidr, err := netip.ParsePrefix(gc.AddressRange)
		if err != nil {
			return nil, fmt.Errorf("group %s: invalid address_range: %w", gc.Name, err)
		}
		pmGroup, err := peermap.NewGroup(gc.Name, cidr, gc.ListenAddr, []byte(gc.Key), logger)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", gc.Name, err)
		}

		specs := make([]flowcontrol.RuleSpec, 0, len(gc.FlowControlRules))
		for _, r := range gc.FlowControlRules {
			p, err := netip.ParsePrefix(r.CIDR)
			if err != nil {
				return nil, fmt.Errorf("group %s: invalid flow_control_rules cidr %q: %w", gc.Name, r.CIDR, err)
			}
			specs = append(specs, flowcontrol.RuleSpec{CIDR: p, BytesPerSec: r.BytesPerSec})
		}

		s.groups[gc.Name] = &Group{
			Group:     pmGroup,
			cfg:       gc,
			ncfg:      cfg,
			log:       logger,
			tcpCipher: cipher.New(tcpCipherKind(gc.EnableKeyRotation), []byte(gc.Key)),
			udpCipher: cipher.New(cipher.KindXor, []byte(gc.Key)),
			flow:      flowcontrol.New(specs),
		}
	}

	return s, nil
}

func tcpCipherKind(rotation bool) cipher.Kind {
	if rotation {
		return cipher.KindRotation
	}
	return cipher.KindXor
}

// Groups exposes the configured groups, keyed by name, for the status API.
func (s *Server) Groups() map[string]*Group { return s.groups }

// Run starts every group's TCP listener and UDP socket and blocks until
// ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(s.groups)*2)

	for _, g := range s.groups {
		g := g
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := g.runTCP(ctx); err != nil {
				errs <- fmt.Errorf("group %s tcp: %w", g.cfg.Name, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := g.runUDP(ctx); err != nil {
				errs <- fmt.Errorf("group %s udp: %w", g.cfg.Name, err)
			}
		}()
		go func() {
			defer wg.Done()
			g.broadcastNodeMapLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
		s.logger.Warn("group task exited with error", zap.Error(err))
	}
	return first
}

// netmaskAddr returns the dotted netmask implied by a prefix's bit length.
func netmaskAddr(p netip.Prefix) netip.Addr {
	bits := p.Bits()
	var v uint32
	if bits > 0 {
		v = ^uint32(0) << uint(32-bits)
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
