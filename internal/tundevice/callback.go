package tundevice

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("tundevice: device closed")

// CallbackDevice forwards packets to a host application instead of an OS
// TUN interface — the embedded/FFI deployment shape from spec §1 and §6
// (the host supplies `fubuki_to_if`/`if_to_fubuki`-equivalent hooks).
// Inbound() is called by the host to inject packets read from the host's
// own network stack; Read() is what the TUN pump (C7) calls, and it
// drains the inbound queue. Write() is what the pump calls on ingress,
// and it invokes the Deliver callback supplied by the host.
type CallbackDevice struct {
	name string
	mtu  int

	deliver func(packet []byte)

	mu     sync.Mutex
	closed bool
	inbox  chan []byte
}

// NewCallbackDevice constructs a host-bridge device. deliver is invoked
// synchronously from Write with packets destined for the host's stack.
func NewCallbackDevice(name string, mtu int, deliver func(packet []byte)) *CallbackDevice {
	return &CallbackDevice{
		name:    name,
		mtu:     mtu,
		deliver: deliver,
		inbox:   make(chan []byte, 256),
	}
}

// Inbound is called by the host to hand a packet (read from its own
// network stack) to the mesh core, corresponding to the FFI
// `if_to_fubuki`-equivalent entry point.
func (d *CallbackDevice) Inbound(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case d.inbox <- cp:
		return nil
	default:
		// Drop on full, consistent with the bounded-queue,
		// drop-rather-than-block policy used throughout the core.
		return nil
	}
}

func (d *CallbackDevice) Read(buf []byte) (int, error) {
	pkt, ok := <-d.inbox
	if !ok {
		return 0, ErrClosed
	}
	n := copy(buf, pkt)
	return n, nil
}

func (d *CallbackDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.deliver(cp)
	return len(buf), nil
}

func (d *CallbackDevice) Name() string { return d.name }
func (d *CallbackDevice) MTU() int     { return d.mtu }

func (d *CallbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.inbox)
	return nil
}
