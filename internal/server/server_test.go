package server

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"meshtun/internal/cipher"
	"meshtun/internal/config"
	"meshtun/internal/proto"
	"meshtun/internal/transport"
)

func TestNetmaskAddr(t *testing.T) {
	got := netmaskAddr(netip.MustParsePrefix("10.0.0.0/24"))
	want := netip.MustParseAddr("255.255.255.0")
	if got != want {
		t.Fatalf("netmaskAddr(/24) = %s, want %s", got, want)
	}
}

func TestTCPCipherKind(t *testing.T) {
	if tcpCipherKind(true) != cipher.KindRotation {
		t.Fatal("expected rotation cipher when enable_key_rotation is set")
	}
	if tcpCipherKind(false) != cipher.KindXor {
		t.Fatal("expected xor cipher by default")
	}
}

func TestNewBuildsOneGroupPerConfigEntry(t *testing.T) {
	cfg := &config.ServerConfig{
		ChannelLimit: 10,
		Groups: []config.GroupConfig{
			{Name: "g1", ListenAddr: "127.0.0.1:0", Key: "k1", AddressRange: "10.0.0.0/24"},
			{Name: "g2", ListenAddr: "127.0.0.1:0", Key: "k2", AddressRange: "10.1.0.0/24"},
		},
	}
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(srv.Groups()) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(srv.Groups()))
	}
}

func TestNewRejectsBadAddressRange(t *testing.T) {
	cfg := &config.ServerConfig{
		Groups: []config.GroupConfig{
			{Name: "g1", ListenAddr: "127.0.0.1:0", Key: "k1", AddressRange: "not-a-cidr"},
		},
	}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an invalid address_range")
	}
}

// TestRegisterOverTCPAssignsAddress exercises the full accept/handshake
// path: dial the group's listener, send Register, and expect RegisterOk
// carrying a free address inside the group's CIDR.
func TestRegisterOverTCPAssignsAddress(t *testing.T) {
	cfg := &config.ServerConfig{
		ChannelLimit: 10,
		Groups: []config.GroupConfig{
			{Name: "g1", ListenAddr: "127.0.0.1:0", Key: "shared-key", AddressRange: "10.0.0.0/24"},
		},
	}
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := srv.Groups()["g1"]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		g.handleConn(ctx, conn)
	}()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fc := transport.NewFramedConn(conn, g.tcpCipher)
	reg := proto.Register{
		GroupName:   "g1",
		NodeName:    "client-a",
		VirtualAddr: netip.MustParseAddr("10.0.0.5"),
	}
	copy(reg.KeyFingerprint[:], cipher.Fingerprint("shared-key"))
	if err := fc.Send(reg); err != nil {
		t.Fatalf("send register: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := fc.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	ok, isOk := msg.(proto.RegisterOk)
	if !isOk {
		t.Fatalf("expected RegisterOk, got %T (%+v)", msg, msg)
	}
	if ok.VirtualAddr.String() != "10.0.0.5" {
		t.Fatalf("expected honored proposal 10.0.0.5, got %s", ok.VirtualAddr)
	}
}

func TestHeartbeatTrackerMissedIsFalseOnceAcked(t *testing.T) {
	hb := &heartbeatTracker{}
	hb.ack(10)
	if hb.missed(10) {
		t.Fatal("expected an acked seq to not be reported as missed")
	}
}

func TestHeartbeatTrackerMissedIsTrueWithoutAck(t *testing.T) {
	hb := &heartbeatTracker{}
	if !hb.missed(10) {
		t.Fatal("expected an unacked seq to be reported as missed")
	}
}

func TestHeartbeatTrackerLaterAckCoversEarlierSeq(t *testing.T) {
	hb := &heartbeatTracker{}
	hb.ack(6)
	if hb.missed(5) {
		t.Fatal("expected seq 5 to count as acked once a later seq has been acked (ordered stream)")
	}
}

func TestRegisterOverTCPRejectsKeyMismatch(t *testing.T) {
	cfg := &config.ServerConfig{
		ChannelLimit: 10,
		Groups: []config.GroupConfig{
			{Name: "g1", ListenAddr: "127.0.0.1:0", Key: "right-key", AddressRange: "10.0.0.0/24"},
		},
	}
	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := srv.Groups()["g1"]

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		g.handleConn(ctx, conn)
	}()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	fc := transport.NewFramedConn(conn, g.tcpCipher)
	reg := proto.Register{NodeName: "client-a", VirtualAddr: netip.MustParseAddr("10.0.0.5")}
	copy(reg.KeyFingerprint[:], cipher.Fingerprint("wrong-key"))
	if err := fc.Send(reg); err != nil {
		t.Fatalf("send register: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := fc.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	reject, isReject := msg.(proto.RegisterReject)
	if !isReject {
		t.Fatalf("expected RegisterReject, got %T", msg)
	}
	if reject.Reason == "" {
		t.Fatal("expected a non-empty rejection reason")
	}
}
