// Package peermap implements the shared server/node data model: groups,
// their CIDR-scoped virtual address space, and the per-peer state table.
// A PeerMap is published as an atomically-swapped snapshot so many reader
// goroutines (the router, the API, the NodeMap broadcaster) never block
// on the single writer (the registration/heartbeat/UDP-learn paths).
package peermap

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"meshtun/internal/proto"
)

// ServerVirtualAddr is the fixed, non-assignable address that identifies
// the server as a peer in packet headers and PeerMap lookups.
var ServerVirtualAddr = netip.MustParseAddr("255.255.255.254")

// TCPSender abstracts the server's (or a node's) active TCP session so a
// PeerMap entry can enqueue a message for delivery without depending on
// net.Conn directly.
type TCPSender interface {
	Send(msg proto.Message) bool
	Close()
}

// Reachability tracks whether the server believes it can still reach this
// peer over each transport.
type Reachability struct {
	TCP bool
	UDP bool
}

// Entry is one PeerMap row, keyed by virtual address.
type Entry struct {
	VirtualAddr  netip.Addr
	NodeName     string
	RegisterTime time.Time

	Mode proto.Mode

	LanAddr netip.Addr     // zero value: not set (UDP disabled)
	WanAddr netip.AddrPort // zero value: not yet learned

	AllowedIPs  []netip.Prefix
	IPs         map[netip.Addr][]netip.Prefix
	SpecifyMode map[netip.Addr]proto.Mode

	ServerReachable Reachability

	TCP TCPSender // present iff this peer has an active TCP session
}

// Clone returns a deep-enough copy for safe snapshot publication; slices
// and maps are copied so a reader never observes a future writer mutation.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.AllowedIPs = append([]netip.Prefix(nil), e.AllowedIPs...)
	cp.IPs = cloneIPsMap(e.IPs)
	cp.SpecifyMode = cloneSpecifyMode(e.SpecifyMode)
	return &cp
}

func cloneIPsMap(m map[netip.Addr][]netip.Prefix) map[netip.Addr][]netip.Prefix {
	if m == nil {
		return nil
	}
	out := make(map[netip.Addr][]netip.Prefix, len(m))
	for k, v := range m {
		out[k] = append([]netip.Prefix(nil), v...)
	}
	return out
}

func cloneSpecifyMode(m map[netip.Addr]proto.Mode) map[netip.Addr]proto.Mode {
	if m == nil {
		return nil
	}
	out := make(map[netip.Addr]proto.Mode, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PeerMap is a group's live peer table. Writes go through writeMu and
// copy-on-write into a fresh map that is then published via an atomic
// pointer swap, so Snapshot (and Get) never block on a writer.
type PeerMap struct {
	writeMu sync.Mutex
	current atomic.Pointer[map[netip.Addr]*Entry]
}

// NewPeerMap returns an empty PeerMap.
func NewPeerMap() *PeerMap {
	pm := &PeerMap{}
	empty := map[netip.Addr]*Entry{}
	pm.current.Store(&empty)
	return pm
}

func (pm *PeerMap) load() map[netip.Addr]*Entry {
	return *pm.current.Load()
}

// Get returns the entry for addr, if present.
func (pm *PeerMap) Get(addr netip.Addr) (*Entry, bool) {
	e, ok := pm.load()[addr]
	return e, ok
}

// Len returns the number of peers currently tracked.
func (pm *PeerMap) Len() int {
	return len(pm.load())
}

// Snapshot returns a slice of all current entries. Safe to range over
// concurrently with writers.
func (pm *PeerMap) Snapshot() []*Entry {
	m := pm.load()
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// Put inserts or replaces the entry at e.VirtualAddr. If a prior entry
// existed at the same address (invariant: virtual addresses are unique
// within a group at any moment), it is evicted and its TCP session, if
// any, is closed; the evicted entry is returned.
func (pm *PeerMap) Put(e *Entry) (evicted *Entry) {
	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()

	old := pm.load()
	next := make(map[netip.Addr]*Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if prior, ok := next[e.VirtualAddr]; ok {
		evicted = prior
	}
	next[e.VirtualAddr] = e
	pm.current.Store(&next)

	if evicted != nil && evicted.TCP != nil {
		evicted.TCP.Close()
	}
	return evicted
}

// Delete removes the entry at addr, if present.
func (pm *PeerMap) Delete(addr netip.Addr) (removed *Entry, ok bool) {
	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()

	old := pm.load()
	if _, present := old[addr]; !present {
		return nil, false
	}
	next := make(map[netip.Addr]*Entry, len(old))
	for k, v := range old {
		if k == addr {
			removed = v
			continue
		}
		next[k] = v
	}
	pm.current.Store(&next)
	return removed, true
}

// UpdateWanAddr sets addr's WanAddr if src differs from the currently
// stored value, per the invariant that wan_addr is only updated from UDP
// packets whose source has changed. Returns true if an update occurred.
func (pm *PeerMap) UpdateWanAddr(addr netip.Addr, src netip.AddrPort) bool {
	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()

	old := pm.load()
	e, ok := old[addr]
	if !ok || e.WanAddr == src {
		return false
	}

	updated := e.Clone()
	updated.WanAddr = src

	next := make(map[netip.Addr]*Entry, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[addr] = updated
	pm.current.Store(&next)
	return true
}

// Mutate applies fn to a cloned copy of the entry at addr under the write
// lock and publishes the result. fn must not retain the passed-in entry
// beyond the call.
func (pm *PeerMap) Mutate(addr netip.Addr, fn func(e *Entry)) bool {
	pm.writeMu.Lock()
	defer pm.writeMu.Unlock()

	old := pm.load()
	e, ok := old[addr]
	if !ok {
		return false
	}

	updated := e.Clone()
	fn(updated)

	next := make(map[netip.Addr]*Entry, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[addr] = updated
	pm.current.Store(&next)
	return true
}
