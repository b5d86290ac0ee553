package flowcontrol

import (
	"net/netip"
	"testing"
)

func TestAllowUnmatchedIsUnthrottled(t *testing.T) {
	c := New(nil)
	if !c.Allow(netip.MustParseAddr("10.0.0.1"), 1500) {
		t.Fatal("expected unmatched destination to be allowed")
	}
}

func TestAllowDropsWhenBucketEmpty(t *testing.T) {
	c := New([]RuleSpec{
		{CIDR: netip.MustParsePrefix("10.0.0.0/24"), BytesPerSec: 100},
	})
	dst := netip.MustParseAddr("10.0.0.5")

	if !c.Allow(dst, 50) {
		t.Fatal("expected first small send to be allowed")
	}
	if c.Allow(dst, 1000) {
		t.Fatal("expected oversized send against a mostly-drained bucket to be dropped")
	}
}

func TestLongestPrefixRuleWins(t *testing.T) {
	c := New([]RuleSpec{
		{CIDR: netip.MustParsePrefix("10.0.0.0/8"), BytesPerSec: 1},
		{CIDR: netip.MustParsePrefix("10.0.0.0/24"), BytesPerSec: 100000},
	})
	dst := netip.MustParseAddr("10.0.0.5")
	if !c.Allow(dst, 500) {
		t.Fatal("expected the more specific, higher-rate rule to apply")
	}
}
