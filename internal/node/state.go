// Package node implements the node side of the mesh: the per-group TCP
// control/relay handler (C5), the UDP direct/relay handler (C6), and the
// TUN pump plus interface registry (C7).
package node

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"meshtun/internal/peermap"
)

// SessionState is the TCP control-channel state machine (spec §4.5).
type SessionState int32

const (
	StateInit SessionState = iota
	StateConnecting
	StateRegistering
	StateRunning
	StateBackoff
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConnecting:
		return "Connecting"
	case StateRegistering:
		return "Registering"
	case StateRunning:
		return "Running"
	case StateBackoff:
		return "Backoff"
	default:
		return "Unknown"
	}
}

// UDPStatus is per-peer UDP liveness bookkeeping, local to the UDP
// handler task (spec §3: "per-peer udp_status (last heartbeat reply
// time, loss counter)").
type UDPStatus struct {
	mu             sync.Mutex
	Up             bool
	LastReplyTime  time.Time
	LossStreak     int
	RecvStreak     int
}

func (s *UDPStatus) RecordSend() {}

// RecordLoss increments the consecutive-miss counter and reports whether
// this miss crosses the DOWN threshold for the first time (spec §8:
// "flips peer to DOWN exactly once per transition").
func (s *UDPStatus) RecordLoss(threshold int) (justWentDown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Called once per send: the reply streak ends only when the previous
	// send went unanswered.
	if s.LossStreak > 0 {
		s.RecvStreak = 0
	}
	s.LossStreak++
	if s.Up && s.LossStreak >= threshold {
		s.Up = false
		return true
	}
	return false
}

// RecordReply resets the loss streak and reports whether enough
// consecutive replies have arrived to bring a DOWN peer back UP.
func (s *UDPStatus) RecordReply(recoverThreshold int) (justWentUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LossStreak = 0
	s.LastReplyTime = time.Now()
	if s.Up {
		return false
	}
	s.RecvStreak++
	if s.RecvStreak >= recoverThreshold {
		s.Up = true
		s.RecvStreak = 0
		return true
	}
	return false
}

func (s *UDPStatus) Snapshot() (up bool, lastReply time.Time, loss int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Up, s.LastReplyTime, s.LossStreak
}

// InterfaceState is a single configured group's node-side state, shared
// read-only with the status API (spec §3: "Owned by the node process;
// shared read-only with the info API").
type InterfaceState struct {
	InterfaceIndex int
	GroupName      string
	VirtualAddr    netip.Addr
	Netmask        netip.Addr
	ServerAddr     string

	state atomic.Int32 // SessionState

	Peers *peermap.PeerMap

	udpStatusMu sync.RWMutex
	udpStatus   map[netip.Addr]*UDPStatus

	heartbeatMu     sync.Mutex
	heartbeatSent   map[uint32]time.Time
	lastAckedSeq    uint32
	haveAckedAnySeq bool
}

func NewInterfaceState(idx int, groupName string, serverAddr string) *InterfaceState {
	return &InterfaceState{
		InterfaceIndex: idx,
		GroupName:      groupName,
		ServerAddr:     serverAddr,
		Peers:          peermap.NewPeerMap(),
		udpStatus:      make(map[netip.Addr]*UDPStatus),
		heartbeatSent:  make(map[uint32]time.Time),
	}
}

func (s *InterfaceState) State() SessionState { return SessionState(s.state.Load()) }
func (s *InterfaceState) SetState(v SessionState) { s.state.Store(int32(v)) }

func (s *InterfaceState) UDPStatusFor(addr netip.Addr) *UDPStatus {
	s.udpStatusMu.Lock()
	defer s.udpStatusMu.Unlock()
	st, ok := s.udpStatus[addr]
	if !ok {
		st = &UDPStatus{}
		s.udpStatus[addr] = st
	}
	return st
}

// RememberHeartbeat records an outstanding heartbeat send time keyed by
// sequence number. heartbeatSent is bookkeeping only (used to recover the
// send time on ack); liveness itself is decided by lastAckedSeq, which a
// concurrent timeout check never mutates.
func (s *InterfaceState) RememberHeartbeat(seq uint32, at time.Time) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	s.heartbeatSent[seq] = at
}

// AckHeartbeat records that seq (and, since the TCP stream is ordered,
// every seq before it) has been acknowledged by the peer. Returns the
// remembered send time, if any.
func (s *InterfaceState) AckHeartbeat(seq uint32) (time.Time, bool) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	t, ok := s.heartbeatSent[seq]
	delete(s.heartbeatSent, seq)
	if !s.haveAckedAnySeq || seq > s.lastAckedSeq {
		s.lastAckedSeq = seq
		s.haveAckedAnySeq = true
	}
	return t, ok
}

// HeartbeatMissed reports whether seq had not been acknowledged by the
// time its deadline arrived. It consults lastAckedSeq rather than the
// heartbeatSent map, so it never races with AckHeartbeat over the same
// map key: an ack arriving concurrently can only move lastAckedSeq
// forward, never delete the entry this check is looking at.
func (s *InterfaceState) HeartbeatMissed(seq uint32) bool {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	delete(s.heartbeatSent, seq)
	return !s.haveAckedAnySeq || seq > s.lastAckedSeq
}

// Registry is the process-wide map of configured interfaces, populated
// once at startup (spec §4.7: "a map interface_index -> Interface
// populated once at startup and exposed as an immutable shared snapshot
// to the info API").
type Registry struct {
	mu    sync.RWMutex
	byIdx map[int]*InterfaceState
}

func NewRegistry() *Registry {
	return &Registry{byIdx: make(map[int]*InterfaceState)}
}

func (r *Registry) Register(s *InterfaceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIdx[s.InterfaceIndex] = s
}

func (r *Registry) Get(idx int) (*InterfaceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdx[idx]
	return s, ok
}

func (r *Registry) All() []*InterfaceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*InterfaceState, 0, len(r.byIdx))
	for _, s := range r.byIdx {
		out = append(out, s)
	}
	return out
}
