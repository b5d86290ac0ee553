// Package metrics is a hand-rolled, process-wide telemetry registry
// exposed over HTTP, grounded directly on the teacher's
// internal/metrics.go telemetry struct: the teacher's go.mod carries no
// Prometheus client library, so this stays a small counters/gauges map
// rather than reaching for an out-of-pack dependency (see DESIGN.md).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	enabled bool
	mu      sync.RWMutex

	registrations   map[string]uint64
	heartbeatLosses map[string]uint64
	relayBytes      map[string]uint64
	flowDrops       map[string]uint64
}

var (
	regMu sync.RWMutex
	reg   = registry{}
)

// Enable turns on metrics collection; idempotent.
func Enable() {
	regMu.Lock()
	defer regMu.Unlock()
	if reg.enabled {
		return
	}
	reg.registrations = map[string]uint64{}
	reg.heartbeatLosses = map[string]uint64{}
	reg.relayBytes = map[string]uint64{}
	reg.flowDrops = map[string]uint64{}
	reg.enabled = true
}

// ObserveRegistration counts a successful registration for a group.
func ObserveRegistration(group string) { bump(&reg.registrations, group) }

// ObserveHeartbeatLoss counts a heartbeat-loss transition (peer marked
// DOWN) for a group/peer pair.
func ObserveHeartbeatLoss(group, peer string) {
	bump(&reg.heartbeatLosses, fmt.Sprintf("group=%s,peer=%s", group, peer))
}

// ObserveRelayBytes accumulates bytes relayed for a group/transport pair.
func ObserveRelayBytes(group, transport string, n int) {
	addN(&reg.relayBytes, fmt.Sprintf("group=%s,transport=%s", group, transport), uint64(n))
}

// ObserveFlowDrop counts a flow-control drop for a group.
func ObserveFlowDrop(group string) { bump(&reg.flowDrops, group) }

func bump(m *map[string]uint64, key string) {
	regMu.RLock()
	if !reg.enabled {
		regMu.RUnlock()
		return
	}
	reg.mu.Lock()
	regMu.RUnlock()
	defer reg.mu.Unlock()
	(*m)[key]++
}

func addN(m *map[string]uint64, key string, n uint64) {
	regMu.RLock()
	if !reg.enabled {
		regMu.RUnlock()
		return
	}
	reg.mu.Lock()
	regMu.RUnlock()
	defer reg.mu.Unlock()
	(*m)[key] += n
}

// StartServer serves a Prometheus-text-format-like /metrics endpoint
// until ctx is done.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}

func handler(w http.ResponseWriter, _ *http.Request) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetric(w, "meshtun_registrations_total", reg.registrations)
	writeMetric(w, "meshtun_heartbeat_losses_total", reg.heartbeatLosses)
	writeMetric(w, "meshtun_relay_bytes_total", reg.relayBytes)
	writeMetric(w, "meshtun_flow_control_drops_total", reg.flowDrops)
}

func writeMetric(w http.ResponseWriter, name string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			fmt.Fprintf(w, "%s %d\n", name, values[k])
			continue
		}
		fmt.Fprintf(w, "%s{%s} %d\n", name, k, values[k])
	}
}
