package proto

import (
	"net/netip"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	enc, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return dec
}

func TestRegisterRoundTrip(t *testing.T) {
	want := Register{
		GroupName:   "g1",
		VirtualAddr: netip.MustParseAddr("10.0.0.2"),
		NodeName:    "node-a",
		Mode:        Mode{Relay: ProtoTCP, P2P: ProtoUDP},
		LanAddr:     netip.MustParseAddr("192.168.1.5"),
		AllowedIPs:  []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")},
		IPs: map[netip.Addr][]netip.Prefix{
			netip.MustParseAddr("10.0.0.2"): {netip.MustParsePrefix("172.16.0.0/16")},
		},
		SpecifyMode: map[netip.Addr]Mode{
			netip.MustParseAddr("10.0.0.3"): {Relay: ProtoTCP},
		},
		KeyFingerprint: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	got := roundTrip(t, want)
	gr, ok := got.(Register)
	if !ok {
		t.Fatalf("wrong type: %T", got)
	}
	if !reflect.DeepEqual(gr, want) {
		t.Fatalf("mismatch:\ngot  %+v\nwant %+v", gr, want)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	want := HeartbeatReq{Seq: 42, SentUnix: 1700000000, From: netip.MustParseAddr("10.0.0.7")}
	got := roundTrip(t, want)
	if got.(HeartbeatReq) != want {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
}

func TestForwardRoundTrip(t *testing.T) {
	want := Forward{
		From:        netip.MustParseAddr("10.0.0.2"),
		To:          netip.MustParseAddr("10.0.0.3"),
		HopCount:    1,
		InnerPacket: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	got := roundTrip(t, want).(Forward)
	if got.From != want.From || got.To != want.To || got.HopCount != want.HopCount {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
	if string(got.InnerPacket) != string(want.InnerPacket) {
		t.Fatalf("inner packet mismatch: %x vs %x", got.InnerPacket, want.InnerPacket)
	}
}

func TestKnockRoundTrip(t *testing.T) {
	want := KnockResp{
		Target:    netip.MustParseAddr("10.0.0.5"),
		TargetWan: netip.MustParseAddrPort("203.0.113.9:51820"),
	}
	got := roundTrip(t, want).(KnockResp)
	if got != want {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
}

func TestKnockReqRoundTrip(t *testing.T) {
	want := KnockReq{Target: netip.MustParseAddr("10.0.0.5"), From: netip.MustParseAddr("10.0.0.9")}
	got := roundTrip(t, want).(KnockReq)
	if got != want {
		t.Fatalf("mismatch: %+v vs %+v", got, want)
	}
}

func TestDecodeMalformedTruncated(t *testing.T) {
	enc, err := Encode(HeartbeatReq{Seq: 1, SentUnix: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = Decode(enc[:len(enc)-3])
	if err == nil {
		t.Fatal("expected decode error on truncated message")
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xff})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestNodeMapRoundTrip(t *testing.T) {
	want := NodeMap{
		Peers: []PeerEntry{
			{
				VirtualAddr: netip.MustParseAddr("10.0.0.2"),
				NodeName:    "a",
				Mode:        Mode{Relay: ProtoTCP | ProtoUDP, P2P: ProtoUDP},
				WanAddr:     netip.MustParseAddrPort("198.51.100.1:4000"),
			},
			{
				VirtualAddr: netip.MustParseAddr("10.0.0.3"),
				NodeName:    "b",
			},
		},
	}
	got := roundTrip(t, want).(NodeMap)
	if len(got.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(got.Peers))
	}
	if got.Peers[0].NodeName != "a" || got.Peers[1].NodeName != "b" {
		t.Fatalf("unexpected peer order/names: %+v", got.Peers)
	}
}
