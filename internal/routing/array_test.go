package routing

import (
	"net/netip"
	"testing"
)

func item(cidr string, gw string) Item {
	return Item{
		CIDR:    netip.MustParsePrefix(cidr),
		Gateway: netip.MustParseAddr(gw),
		Kind:    KindVirtualRange,
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	tbl := NewArrayTable()
	tbl.Add(item("10.0.0.0/8", "10.0.0.1"))
	tbl.Add(item("10.0.0.0/24", "10.0.0.2"))
	tbl.Add(item("10.0.0.0/30", "10.0.0.3"))

	got, ok := tbl.Find(netip.MustParseAddr("10.0.0.1"))
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Gateway.String() != "10.0.0.3" {
		t.Fatalf("expected longest-prefix match /30, got gateway %s", got.Gateway)
	}

	got, ok = tbl.Find(netip.MustParseAddr("10.0.0.200"))
	if !ok {
		t.Fatal("expected a match for .200")
	}
	if got.Gateway.String() != "10.0.0.2" {
		t.Fatalf("expected /24 match, got gateway %s", got.Gateway)
	}

	_, ok = tbl.Find(netip.MustParseAddr("11.0.0.1"))
	if ok {
		t.Fatal("expected no match outside any registered CIDR")
	}
}

func TestEqualPrefixDisjointRanges(t *testing.T) {
	tbl := NewArrayTable()
	tbl.Add(item("10.0.0.0/24", "10.0.0.1"))
	tbl.Add(item("10.0.1.0/24", "10.0.0.2"))

	// Equal prefix length, disjoint ranges: each should be found only by
	// its own CIDR regardless of insertion order.
	got, ok := tbl.Find(netip.MustParseAddr("10.0.1.5"))
	if !ok || got.Gateway.String() != "10.0.0.2" {
		t.Fatalf("expected gateway 10.0.0.2, got %+v ok=%v", got, ok)
	}
}

func TestRemove(t *testing.T) {
	tbl := NewArrayTable()
	cidr := netip.MustParsePrefix("192.168.0.0/16")
	tbl.Add(item("192.168.0.0/16", "192.168.0.1"))

	removed, ok := tbl.Remove(cidr)
	if !ok {
		t.Fatal("expected removal to succeed")
	}
	if removed.Gateway.String() != "192.168.0.1" {
		t.Fatalf("unexpected removed item: %+v", removed)
	}

	_, ok = tbl.Find(netip.MustParseAddr("192.168.1.1"))
	if ok {
		t.Fatal("expected no match after removal")
	}
}
