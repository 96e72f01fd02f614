// SPDX-License-Identifier: MIT

// Package balance implements backend selection: a pure function from the
// currently healthy backend list, the service mode and the round-robin
// cursor to a single backend.
package balance

import (
	"github.com/valenti1234/socat-balancer-2/internal/config"
)

// Pick selects one backend from healthy, which must preserve the service's
// configured order. It returns false if healthy is empty.
//
// Rules:
//   - failover: the first healthy backend, deterministically.
//   - round-robin: healthy[cursor mod len(healthy)]. The cursor is owned by
//     the caller and advanced only when a rotation is applied; it is never
//     reset by health flaps, so fairness under a changing healthy set is
//     best-effort.
//   - any other mode falls back to failover semantics.
func Pick(healthy []config.Backend, mode string, cursor uint64) (config.Backend, bool) {
	if len(healthy) == 0 {
		return config.Backend{}, false
	}
	switch mode {
	case config.ModeRoundRobin:
		return healthy[cursor%uint64(len(healthy))], true
	default:
		return healthy[0], true
	}
}
