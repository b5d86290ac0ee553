// Package ffi exposes the node daemon through a C ABI so a host
// application (mobile shell, GUI wrapper) can embed meshtun instead of
// shelling out to the CLI. It mirrors the original implementation's
// ffi_export.rs: a versioned start-options struct carrying callback
// function pointers in place of an OS TUN device, paired start/stop
// entry points, and a host-to-core injection call.
package ffi

/*
#include <stdint.h>
#include <stddef.h>
#include <stdlib.h>
#include <string.h>

typedef void (*meshtun_to_if_fn)(const uint8_t *packet, size_t len, void *ctx);

typedef struct meshtun_start_options {
    void *ctx;
    const char *node_config_json;
    uint32_t device_index;
    meshtun_to_if_fn to_if;
} meshtun_start_options;

static void meshtun_call_to_if(meshtun_to_if_fn fn, const uint8_t *packet, size_t len, void *ctx) {
    fn(packet, len, ctx);
}

static void meshtun_write_error(char *out, size_t cap, const char *msg) {
    if (out == NULL || cap == 0) {
        return;
    }
    strncpy(out, msg, cap - 1);
    out[cap - 1] = '\0';
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"meshtun/internal/config"
	"meshtun/internal/logging"
	"meshtun/internal/node"
	"meshtun/internal/tundevice"
)

// StartOptionsVersionV1 is the only start-options layout implemented so
// far; later host platforms (e.g. one that hands over a pre-opened file
// descriptor instead of to_if callbacks) would add V2 the way the
// original added an Android-only variant.
const StartOptionsVersionV1 = 1

// ErrFFIVersionUnknown is surfaced through the caller-supplied error
// buffer when version does not match a known start-options layout.
var ErrFFIVersionUnknown = errors.New("ffi: unknown start options version")

const errBufferCap = 256

type handleState struct {
	cancel context.CancelFunc
	bridge *tundevice.CallbackDevice
}

var (
	handlesMu sync.Mutex
	handles   = map[uint64]*handleState{}
	nextID    uint64
)

func registerHandle(h *handleState) uint64 {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	nextID++
	handles[nextID] = h
	return nextID
}

func lookupHandle(id uint64) (*handleState, bool) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	h, ok := handles[id]
	return h, ok
}

func deleteHandle(id uint64) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	delete(handles, id)
}

// Start parses opts.node_config_json, builds a single-group node bound to
// a CallbackDevice bridge, and runs it in the background. It returns an
// opaque, non-zero handle on success, or 0 with errOut populated on
// failure. errOut must point to at least errBufferCap writable bytes.
//
//export Start
func Start(opts *C.meshtun_start_options, version C.uint32_t, errOut *C.char) C.uint64_t {
	if uint32(version) != StartOptionsVersionV1 {
		writeCError(errOut, ErrFFIVersionUnknown)
		return 0
	}

	raw := []byte(C.GoString(opts.node_config_json))
	cfg, err := config.ParseNodeConfigJSON(raw)
	if err != nil {
		writeCError(errOut, err)
		return 0
	}

	log := logging.Init()

	toIf := opts.to_if
	ctx := opts.ctx
	bridge := tundevice.NewCallbackDevice(
		fmt.Sprintf("ffi%d", uint32(opts.device_index)),
		cfg.MTU,
		func(packet []byte) {
			if len(packet) == 0 {
				return
			}
			C.meshtun_call_to_if(toIf, (*C.uint8_t)(unsafe.Pointer(&packet[0])), C.size_t(len(packet)), ctx)
		},
	)

	n, err := node.New(cfg, log, func(string, int) (tundevice.Device, error) {
		return bridge, nil
	})
	if err != nil {
		writeCError(errOut, err)
		return 0
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go n.Run(runCtx)

	return C.uint64_t(registerHandle(&handleState{cancel: cancel, bridge: bridge}))
}

// Stop tears down the node started by a prior Start call and releases its
// handle. A handle may only be stopped once.
//
//export Stop
func Stop(handle C.uint64_t) {
	h, ok := lookupHandle(uint64(handle))
	if !ok {
		return
	}
	h.cancel()
	h.bridge.Close()
	deleteHandle(uint64(handle))
}

// IfToMeshtun hands a packet read from the host's own network stack to
// the node's TUN pump, the inverse direction of the to_if callback
// (corresponds to the original's if_to_fubuki).
//
//export IfToMeshtun
func IfToMeshtun(handle C.uint64_t, packet *C.uint8_t, length C.size_t) {
	h, ok := lookupHandle(uint64(handle))
	if !ok {
		return
	}
	buf := C.GoBytes(unsafe.Pointer(packet), C.int(length))
	_ = h.bridge.Inbound(buf)
}

// Version returns a static build identifier string; the caller owns the
// returned C string and must free it.
//
//export Version
func Version() *C.char {
	return C.CString("meshtun-ffi/1")
}

func writeCError(out *C.char, err error) {
	if out == nil {
		return
	}
	msg := C.CString(err.Error())
	defer C.free(unsafe.Pointer(msg))
	C.meshtun_write_error(out, errBufferCap, msg)
}
