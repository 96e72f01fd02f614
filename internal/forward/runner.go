// SPDX-License-Identifier: MIT

// Package forward implements the TCP data path: one Runner per service owns
// the service's listener, accepts connections, dials the currently active
// backend and shuttles bytes both ways while counting them.
//
// The Runner is driven by the engine's reconcile tick. Each tick it decides
// whether to rotate — tear down the listener and start a new one routed to a
// (possibly different) backend — according to the service's mode:
//
//   - failover: rotate whenever the selected backend differs from the
//     active one, or no listener is running.
//   - round-robin: rotate when no listener is running, when the rotation
//     interval has elapsed, or when the active backend is no longer healthy;
//     otherwise the tick is skipped and the cursor stays put.
//
// In-flight connections always run to natural completion on the backend they
// were accepted for; rotation only moves new connections.
package forward

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/balance"
	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/events"
	"github.com/valenti1234/socat-balancer-2/internal/stats"
	"github.com/valenti1234/socat-balancer-2/internal/util"
)

// handleIDCounter issues process-unique listener handles, the in-process
// equivalent of a worker pid.
var handleIDCounter atomic.Uint64

// Config carries the Runner's collaborators and tunables.
type Config struct {
	DialTimeout      time.Duration
	RotationInterval time.Duration
	BindRetryInitial time.Duration // default 1s
	BindRetryMax     time.Duration // default 30s
	Stats            *stats.Registry
	Bus              *events.Bus
	Logger           zerolog.Logger
}

// Runner owns one service's listener lifecycle and runtime state.
type Runner struct {
	cfg  Config
	log  zerolog.Logger
	name string

	mu           sync.Mutex
	mode         string
	boundPort    int // port the current listener is bound to
	listener     net.Listener
	listenerID   uint64
	active       config.Backend
	hasActive    bool
	cursor       uint64
	restartCount int
	lastStart    time.Time
	bindBackoff  *Backoff
}

// NewRunner creates a Runner for the named service.
func NewRunner(name string, cfg Config) *Runner {
	if cfg.BindRetryInitial <= 0 {
		cfg.BindRetryInitial = time.Second
	}
	if cfg.BindRetryMax <= 0 {
		cfg.BindRetryMax = 30 * time.Second
	}
	return &Runner{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "forwarder").Str("service", name).Logger(),
		name:        name,
		bindBackoff: NewBackoff(cfg.BindRetryInitial, cfg.BindRetryMax),
	}
}

// Name returns the service name the Runner serves.
func (r *Runner) Name() string {
	return r.name
}

// Rename updates the service name after a config rename. Runtime state,
// including the cursor and restart count, carries over.
func (r *Runner) Rename(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.log = r.cfg.Logger.With().Str("component", "forwarder").Str("service", name).Logger()
}

// Reconcile applies one tick: given the service's current config and its
// healthy backends in configured order, tear down, keep, or rotate the
// listener.
func (r *Runner) Reconcile(svc config.Service, healthy []config.Backend) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.mode = svc.Mode

	if len(healthy) == 0 {
		if r.listener != nil || r.hasActive {
			r.stopListenerLocked()
			r.hasActive = false
			r.active = config.Backend{}
			r.cfg.Stats.ClearActive(r.name)
			r.cfg.Bus.Broadcast("No healthy servers available on port %d for service '%s'",
				svc.ListenPort, r.name)
		}
		return
	}

	selected, _ := balance.Pick(healthy, svc.Mode, r.cursor)

	running := r.listener != nil
	portChanged := running && r.boundPort != svc.ListenPort
	activeHealthy := false
	for _, b := range healthy {
		if r.hasActive && b.Key() == r.active.Key() {
			activeHealthy = true
			break
		}
	}

	var rotate, advance bool
	switch svc.Mode {
	case config.ModeRoundRobin:
		switch {
		case !running || portChanged:
			rotate, advance = true, true
		case !activeHealthy:
			// The active backend dropped out of the healthy set; waiting
			// for the rotation interval would keep routing to a dead
			// backend.
			rotate, advance = true, true
		case now.Sub(r.lastStart) >= r.cfg.RotationInterval:
			rotate, advance = true, true
		}
	default:
		// failover, and unknown modes which fall back to failover.
		if !running || portChanged || !r.hasActive || selected.Key() != r.active.Key() {
			rotate = true
		}
	}

	if !rotate {
		return
	}

	if !r.bindBackoff.Ready(now) {
		return
	}

	if advance {
		// Re-pick under the current cursor, then consume it.
		selected, _ = balance.Pick(healthy, svc.Mode, r.cursor)
		r.cursor++
	}
	r.rotateLocked(svc, selected, now)
}

// rotateLocked tears down any existing listener and starts a new one routed
// to selected. Callers must hold r.mu.
func (r *Runner) rotateLocked(svc config.Service, selected config.Backend, now time.Time) {
	r.stopListenerLocked()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", svc.ListenPort))
	if err != nil {
		r.bindBackoff.RecordFailure(now)
		r.hasActive = false
		r.active = config.Backend{}
		r.cfg.Stats.ClearActive(r.name)
		r.log.Error().Err(err).Int("port", svc.ListenPort).Msg("listener bind failed")
		return
	}
	r.bindBackoff.Reset()

	id := handleIDCounter.Add(1)
	r.listener = ln
	r.listenerID = id
	r.boundPort = svc.ListenPort
	r.active = selected
	r.hasActive = true
	r.restartCount++
	r.lastStart = now

	r.cfg.Stats.RecordRotation(r.name, selected.Key(), id, now)
	stats.ActiveListeners.Inc()
	r.cfg.Bus.Broadcast("Routing traffic on port %d to %s for service '%s' (mode: %s)",
		svc.ListenPort, selected.Key(), r.name, svc.Mode)

	service := r.name
	go r.acceptLoop(ln, service, selected)
}

// Stop tears the listener down synchronously. In-flight connections are
// detached and run to completion.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopListenerLocked()
	r.hasActive = false
	r.active = config.Backend{}
}

// stopListenerLocked closes the current listener, if any. The acceptor
// goroutine exits on the close error. Callers must hold r.mu.
func (r *Runner) stopListenerLocked() {
	if r.listener == nil {
		return
	}
	if err := r.listener.Close(); err != nil {
		r.log.Warn().Err(err).Msg("listener close failed")
	}
	r.listener = nil
	r.listenerID = 0
	stats.ActiveListeners.Dec()
}

// Status is a read snapshot of the Runner's runtime state.
type Status struct {
	Name         string
	Mode         string
	Listening    bool
	Port         int
	Active       string // "ip:port", "" = none
	RestartCount int
	LastStart    time.Time
	HandleID     uint64
}

// Status returns the Runner's current runtime state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Name:         r.name,
		Mode:         r.mode,
		Listening:    r.listener != nil,
		Port:         r.boundPort,
		RestartCount: r.restartCount,
		LastStart:    r.lastStart,
		HandleID:     r.listenerID,
	}
	if r.hasActive {
		st.Active = r.active.Key()
	}
	return st
}

// acceptLoop accepts connections on ln and forwards each to backend. It
// exits when ln is closed by a rotation or teardown.
func (r *Runner) acceptLoop(ln net.Listener, service string, backend config.Backend) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c := conn
		util.SafeGo("forward-conn", r.log, func() {
			r.handleConn(c, service, backend)
		})
	}
}

// handleConn dials the backend and runs the two copy shuttles. A failed
// dial drops the client connection without disturbing the listener.
func (r *Runner) handleConn(downstream net.Conn, service string, backend config.Backend) {
	upstream, err := net.DialTimeout("tcp", backend.Addr(), r.cfg.DialTimeout)
	if err != nil {
		r.log.Error().Err(err).Str("backend", backend.Addr()).Msg("upstream dial failed")
		_ = downstream.Close()
		return
	}

	// downstream→upstream counts as bytes_out, upstream→downstream as
	// bytes_in, attributed to the backend this connection was accepted for
	// so a concurrent rotation cannot misattribute bytes.
	util.SafeGo("shuttle-out", r.log, func() {
		r.shuttle(downstream, upstream, service, backend, stats.Out)
	})
	r.shuttle(upstream, downstream, service, backend, stats.In)
}

// shuttle copies src→dst, crediting each chunk to the stats registry. When
// either side closes, both sockets are released, which ends the opposite
// shuttle as well.
func (r *Runner) shuttle(src, dst net.Conn, service string, backend config.Backend, dir stats.Direction) {
	defer func() {
		_ = src.Close()
		_ = dst.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.cfg.Stats.AddBytes(service, backend.IP, backend.Port, dir, int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
