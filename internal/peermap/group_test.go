package peermap

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestChooseAddrAcceptsFreeProposal(t *testing.T) {
	g, err := NewGroup("g1", netip.MustParsePrefix("10.0.0.0/24"), "0.0.0.0:7000", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}

	addr, err := g.ChooseAddr(netip.MustParseAddr("10.0.0.5"))
	if err != nil {
		t.Fatalf("ChooseAddr: %v", err)
	}
	if addr.String() != "10.0.0.5" {
		t.Fatalf("expected proposal honored, got %s", addr)
	}
}

func TestChooseAddrRejectsReserved(t *testing.T) {
	g, _ := NewGroup("g1", netip.MustParsePrefix("10.0.0.0/24"), "0.0.0.0:7000", nil, zap.NewNop())
	_, err := g.ChooseAddr(ServerVirtualAddr)
	if err != ErrReservedAddr {
		t.Fatalf("expected ErrReservedAddr, got %v", err)
	}
}

func TestChooseAddrFallsBackWhenTaken(t *testing.T) {
	g, _ := NewGroup("g1", netip.MustParsePrefix("10.0.0.0/29"), "0.0.0.0:7000", nil, zap.NewNop())
	proposed := netip.MustParseAddr("10.0.0.1")
	g.Peers.Put(&Entry{VirtualAddr: proposed, RegisterTime: time.Now()})

	addr, err := g.ChooseAddr(proposed)
	if err != nil {
		t.Fatalf("ChooseAddr: %v", err)
	}
	if addr == proposed {
		t.Fatal("expected a different address since proposal was taken")
	}
}

func TestChooseAddrExhaustionOnSlash30(t *testing.T) {
	g, _ := NewGroup("g1", netip.MustParsePrefix("10.0.0.0/30"), "0.0.0.0:7000", nil, zap.NewNop())

	a1, err := g.ChooseAddr(netip.Addr{})
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	g.Peers.Put(&Entry{VirtualAddr: a1, RegisterTime: time.Now()})

	a2, err := g.ChooseAddr(netip.Addr{})
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if a2 == a1 {
		t.Fatal("expected distinct second address")
	}
	g.Peers.Put(&Entry{VirtualAddr: a2, RegisterTime: time.Now()})

	_, err = g.ChooseAddr(netip.Addr{})
	if err != ErrAddressExhausted {
		t.Fatalf("expected exhaustion on third allocation in a /30, got %v", err)
	}
}

func TestPeerMapUniquenessOnReregister(t *testing.T) {
	pm := NewPeerMap()
	addr := netip.MustParseAddr("10.0.0.2")

	pm.Put(&Entry{VirtualAddr: addr, NodeName: "first"})
	if pm.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", pm.Len())
	}

	evicted := pm.Put(&Entry{VirtualAddr: addr, NodeName: "second"})
	if evicted == nil || evicted.NodeName != "first" {
		t.Fatalf("expected eviction of 'first', got %+v", evicted)
	}
	if pm.Len() != 1 {
		t.Fatalf("expected exactly 1 entry after re-registration, got %d", pm.Len())
	}

	e, ok := pm.Get(addr)
	if !ok || e.NodeName != "second" {
		t.Fatalf("expected current entry to be 'second', got %+v", e)
	}
}

func TestUpdateWanAddrOnlyOnChange(t *testing.T) {
	pm := NewPeerMap()
	addr := netip.MustParseAddr("10.0.0.2")
	pm.Put(&Entry{VirtualAddr: addr})

	wan := netip.MustParseAddrPort("203.0.113.1:4000")
	if !pm.UpdateWanAddr(addr, wan) {
		t.Fatal("expected first wan update to apply")
	}
	if pm.UpdateWanAddr(addr, wan) {
		t.Fatal("expected no-op when wan address unchanged")
	}

	wan2 := netip.MustParseAddrPort("203.0.113.1:5000")
	if !pm.UpdateWanAddr(addr, wan2) {
		t.Fatal("expected update when wan address changes port")
	}
}
