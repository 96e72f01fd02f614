// SPDX-License-Identifier: MIT

// Package util provides panic-containment helpers shared by the probe
// fan-out and the forwarder's per-connection goroutines.
package util

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// SafeGo runs fn in a new goroutine, recovering and logging any panic. A
// panic in one probe or shuttle must never take down the daemon.
func SafeGo(name string, log zerolog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("goroutine", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("recovered panic")
			}
		}()
		fn()
	}()
}

// SafeCall invokes fn synchronously, converting a panic into an error.
func SafeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
