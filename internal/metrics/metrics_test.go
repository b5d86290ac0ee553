package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObserveRegistrationIsNoOpUntilEnabled(t *testing.T) {
	regMu.Lock()
	reg = registry{}
	regMu.Unlock()

	ObserveRegistration("g1")

	regMu.RLock()
	defer regMu.RUnlock()
	if reg.registrations != nil {
		t.Fatal("expected observations to be dropped before Enable")
	}
}

func TestHandlerRendersObservedCounters(t *testing.T) {
	regMu.Lock()
	reg = registry{}
	regMu.Unlock()

	Enable()
	ObserveRegistration("g1")
	ObserveRegistration("g1")
	ObserveFlowDrop("g1")
	ObserveRelayBytes("g1", "tcp", 128)
	ObserveHeartbeatLoss("g1", "10.0.0.2")

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"meshtun_registrations_total{g1} 2",
		"meshtun_flow_control_drops_total{g1} 1",
		"meshtun_relay_bytes_total{group=g1,transport=tcp} 128",
		"meshtun_heartbeat_losses_total{group=g1,peer=10.0.0.2} 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, got:\n%s", want, body)
		}
	}
}
