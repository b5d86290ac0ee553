package routing

import (
	"fmt"
	"net/netip"
	"plugin"
)

// externalTable wraps a dynamically loaded routing table implementation,
// mirroring the C-ABI plugin surface (create/add/remove/find/drop)
// described in the original implementation's external routing table
// backend. Go's `plugin` package stands in for the C ABI loader: the
// shared object is expected to export Add, Remove and Find, and may
// export Drop, with these exact names and signatures.
type externalTable struct {
	lib    *plugin.Plugin
	add    func(Item)
	remove func(netip.Prefix) (Item, bool)
	find   func(netip.Addr) (Item, bool)
	drop   func()
}

// LoadExternalTable opens a shared object at path and binds it to the
// Table capability. The plugin must export:
//
//	Add(routing.Item)
//	Remove(netip.Prefix) (routing.Item, bool)
//	Find(netip.Addr) (routing.Item, bool)
//
// and may export Drop(); a missing or mistyped Drop is ignored.
//
// Find takes only the destination address; per the open question in the
// design notes, the single-argument form is authoritative and any `src`
// parameter some branches carry is not part of this ABI.
func LoadExternalTable(path string) (Table, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routing: open plugin %s: %w", path, err)
	}

	t := &externalTable{lib: lib}

	addSym, err := lib.Lookup("Add")
	if err != nil {
		return nil, fmt.Errorf("routing: plugin missing Add: %w", err)
	}
	add, ok := addSym.(func(Item))
	if !ok {
		return nil, fmt.Errorf("routing: plugin Add has wrong signature")
	}
	t.add = add

	removeSym, err := lib.Lookup("Remove")
	if err != nil {
		return nil, fmt.Errorf("routing: plugin missing Remove: %w", err)
	}
	remove, ok := removeSym.(func(netip.Prefix) (Item, bool))
	if !ok {
		return nil, fmt.Errorf("routing: plugin Remove has wrong signature")
	}
	t.remove = remove

	findSym, err := lib.Lookup("Find")
	if err != nil {
		return nil, fmt.Errorf("routing: plugin missing Find: %w", err)
	}
	find, ok := findSym.(func(netip.Addr) (Item, bool))
	if !ok {
		return nil, fmt.Errorf("routing: plugin Find has wrong signature")
	}
	t.find = find

	if dropSym, err := lib.Lookup("Drop"); err == nil {
		if drop, ok := dropSym.(func()); ok {
			t.drop = drop
		}
	}

	return t, nil
}

func (t *externalTable) Add(item Item) { t.add(item) }

func (t *externalTable) Remove(cidr netip.Prefix) (Item, bool) { return t.remove(cidr) }

func (t *externalTable) Find(addr netip.Addr) (Item, bool) { return t.find(addr) }

// Unload runs the plugin's Drop hook, if any. It must only be called once
// no more lookups are in flight; Go does not support unloading a plugin's
// code from the process, only releasing its own resources.
func (t *externalTable) Unload() {
	if t.drop != nil {
		t.drop()
	}
}
