package node

import (
	"testing"
	"time"
)

func TestUDPStatusFlipsDownAfterThreshold(t *testing.T) {
	st := &UDPStatus{Up: true}
	for i := 0; i < 4; i++ {
		if down := st.RecordLoss(5); down {
			t.Fatalf("unexpected down transition on loss %d", i+1)
		}
	}
	if down := st.RecordLoss(5); !down {
		t.Fatal("expected down transition on the 5th consecutive loss")
	}
	if down := st.RecordLoss(5); down {
		t.Fatal("expected down transition to report only once per streak")
	}
}

func TestUDPStatusRecoversAfterConsecutiveReplies(t *testing.T) {
	st := &UDPStatus{Up: false}
	if up := st.RecordReply(3); up {
		t.Fatal("unexpected up transition on first reply")
	}
	if up := st.RecordReply(3); up {
		t.Fatal("unexpected up transition on second reply")
	}
	if up := st.RecordReply(3); !up {
		t.Fatal("expected up transition on the 3rd consecutive reply")
	}

	up, _, loss := st.Snapshot()
	if !up || loss != 0 {
		t.Fatalf("expected up=true loss=0 after recovery, got up=%v loss=%d", up, loss)
	}
}

func TestRegistryGetMissingIndex(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(7); ok {
		t.Fatal("expected no entry for an unregistered index")
	}
}

func TestHeartbeatCacheAckRemovesEntry(t *testing.T) {
	iface := NewInterfaceState(0, "grp", "server:7000")
	iface.RememberHeartbeat(42, time.Now())

	if _, ok := iface.AckHeartbeat(42); !ok {
		t.Fatal("expected ack to find the remembered heartbeat")
	}
	if _, ok := iface.AckHeartbeat(42); ok {
		t.Fatal("expected a second ack for the same seq to miss")
	}
}

func TestHeartbeatMissedIsFalseOnceAcked(t *testing.T) {
	iface := NewInterfaceState(0, "grp", "server:7000")
	iface.RememberHeartbeat(10, time.Now())
	iface.AckHeartbeat(10)

	if iface.HeartbeatMissed(10) {
		t.Fatal("expected an acked seq to not be reported as missed")
	}
}

func TestHeartbeatMissedIsTrueWithoutAck(t *testing.T) {
	iface := NewInterfaceState(0, "grp", "server:7000")
	iface.RememberHeartbeat(10, time.Now())

	if !iface.HeartbeatMissed(10) {
		t.Fatal("expected an unacked seq to be reported as missed")
	}
}

func TestHeartbeatMissedCoveredByLaterAck(t *testing.T) {
	iface := NewInterfaceState(0, "grp", "server:7000")
	iface.RememberHeartbeat(5, time.Now())
	iface.RememberHeartbeat(6, time.Now())
	iface.AckHeartbeat(6)

	if iface.HeartbeatMissed(5) {
		t.Fatal("expected seq 5 to count as acked once a later seq has been acked (ordered stream)")
	}
}
