// Package sysroute implements the SystemRoute capability (C10): installing
// and tearing down host routes that mirror a group's allowed-IP list.
// Core logic never touches OS primitives directly; it only calls Add and
// Clear on this adapter, matching spec §4.10 and §1's "injectable system
// routing capability" boundary.
package sysroute

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// Route is one host route to install: destination CIDR via an interface,
// optionally through a gateway.
type Route struct {
	Dest      netip.Prefix
	Interface string
	Gateway   netip.Addr // zero value: on-link, no gateway
}

// Installer performs the OS-specific work of adding and removing a single
// route. Platforms implement this; Adapter provides the bookkeeping.
type Installer interface {
	Install(r Route) error
	Uninstall(r Route) error
}

// Adapter tracks every route it has installed so Clear (and a
// panic-driven teardown) can remove exactly what this process added,
// mirroring the original implementation's SystemRouteHandle, which
// records routes in a Vec and replays deletions on Drop from a fresh
// runtime handle.
type Adapter struct {
	log       *zap.Logger
	installer Installer

	mu      sync.Mutex
	applied []Route
}

// New wraps installer with the bookkeeping described above.
func New(installer Installer, log *zap.Logger) *Adapter {
	return &Adapter{installer: installer, log: log}
}

// Add installs routes and records each successfully-installed one. On a
// partial failure, the routes installed so far remain recorded (and thus
// will be torn down by Clear/Close) even though Add returns an error.
func (a *Adapter) Add(routes []Route) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range routes {
		if err := a.installer.Install(r); err != nil {
			return err
		}
		a.applied = append(a.applied, r)
	}
	return nil
}

// Clear removes every route this adapter has installed.
func (a *Adapter) Clear() {
	a.mu.Lock()
	routes := a.applied
	a.applied = nil
	a.mu.Unlock()

	for _, r := range routes {
		if err := a.installer.Uninstall(r); err != nil {
			a.log.Warn("failed to remove route", zap.String("dest", r.Dest.String()), zap.Error(err))
		}
	}
}

// Close runs on a fresh goroutine so teardown still happens even if the
// caller is unwinding from a panic in the owning goroutine.
func (a *Adapter) Close() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Clear()
	}()
	<-done
}
