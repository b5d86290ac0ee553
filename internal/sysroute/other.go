//go:build !linux

package sysroute

// NewPlatformInstaller returns a no-op Installer on platforms without a
// native backend wired up yet (spec §9: "Windows wintun, macOS `route`
// invocation... Core does not depend on their internals beyond the
// TunDevice and SystemRoute capabilities" — only the Linux backend is
// implemented here; other platforms get a safe no-op rather than a build
// failure).
type noopInstaller struct{}

func NewPlatformInstaller() Installer { return noopInstaller{} }

func (noopInstaller) Install(Route) error   { return nil }
func (noopInstaller) Uninstall(Route) error { return nil }
