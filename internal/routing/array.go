package routing

import (
	"net/netip"
	"sync"
)

// ArrayTable is the built-in routing table backend: entries are kept
// sorted by descending prefix length so Find's first match is always the
// longest-prefix match. Add inserts before the first entry with a
// strictly smaller prefix, which keeps entries of equal length in
// insertion order (earliest first), matching the tie-break rule.
type ArrayTable struct {
	mu    sync.RWMutex
	items []Item
}

// NewArrayTable returns an empty built-in routing table.
func NewArrayTable() *ArrayTable {
	return &ArrayTable{}
}

func (t *ArrayTable) Add(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	plen := item.CIDR.Bits()
	idx := len(t.items)
	for i, existing := range t.items {
		if existing.CIDR.Bits() < plen {
			idx = i
			break
		}
	}
	t.items = append(t.items, Item{})
	copy(t.items[idx+1:], t.items[idx:])
	t.items[idx] = item
}

func (t *ArrayTable) Remove(cidr netip.Prefix) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.items {
		if existing.CIDR == cidr {
			removed := existing
			t.items = append(t.items[:i], t.items[i+1:]...)
			return removed, true
		}
	}
	return Item{}, false
}

func (t *ArrayTable) Find(addr netip.Addr) (Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, item := range t.items {
		if item.CIDR.Contains(addr) {
			return item, true
		}
	}
	return Item{}, false
}
