//go:build linux

package sysroute

import (
	"fmt"
	"os/exec"
)

// linuxInstaller shells out to `ip route`, the same "invoke an external
// process" shape the teacher uses for the VPN manager's shadowsocks
// subprocess plumbing (internal/manager/vpn_manager.go uses os/exec.Cmd).
// A netlink-based implementation would avoid the subprocess, but ip(8) is
// present on every target distro and keeps this adapter dependency-free.
type linuxInstaller struct{}

// NewPlatformInstaller returns the Linux `ip route` based Installer.
func NewPlatformInstaller() Installer { return linuxInstaller{} }

func (linuxInstaller) Install(r Route) error {
	args := []string{"route", "replace", r.Dest.String(), "dev", r.Interface}
	if r.Gateway.IsValid() {
		args = append(args, "via", r.Gateway.String())
	}
	return runIP(args)
}

func (linuxInstaller) Uninstall(r Route) error {
	args := []string{"route", "del", r.Dest.String(), "dev", r.Interface}
	return runIP(args)
}

func runIP(args []string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v: %w: %s", args, err, out)
	}
	return nil
}
