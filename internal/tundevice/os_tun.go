package tundevice

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// osDevice wraps a real OS TUN interface created through
// golang.zx2c4.com/wireguard/tun, which itself delegates to wintun on
// Windows. This is the "uses an OS TUN" backend from spec §1.
type osDevice struct {
	dev tun.Device
	mtu int
}

// OpenOSTun creates an OS TUN interface named name with the given MTU.
func OpenOSTun(name string, mtu int) (Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tundevice: create tun %q: %w", name, err)
	}
	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}
	return &osDevice{dev: dev, mtu: actualMTU}, nil
}

func (d *osDevice) Read(buf []byte) (int, error) {
	bufs := [][]byte{buf}
	sizes := make([]int, 1)
	n, err := d.dev.Read(bufs, sizes, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sizes[0], nil
}

func (d *osDevice) Write(buf []byte) (int, error) {
	bufs := [][]byte{buf}
	return d.dev.Write(bufs, 0)
}

func (d *osDevice) Name() string {
	name, err := d.dev.Name()
	if err != nil {
		return "tun?"
	}
	return name
}

func (d *osDevice) MTU() int { return d.mtu }

func (d *osDevice) Close() error { return d.dev.Close() }
