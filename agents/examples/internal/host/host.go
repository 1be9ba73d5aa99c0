//go:build tinygo || wasm

// Package host exposes the functions loqa-link provides to wasm agents.
package host

import "unsafe"

// Log writes msg to the link's structured log.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)
