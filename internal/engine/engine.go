// SPDX-License-Identifier: MIT

// Package engine drives reconciliation: each prober tick it walks the
// current service list and hands every service's healthy backends to its
// forward.Runner, creating and retiring runners as services come and go.
//
// Control-plane mutations Kick an immediate reconcile using the latest probe
// snapshot; a service that snapshot has not probed yet waits for the next
// tick. Removal and rename also call into the engine directly (DropService,
// RenameService).
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/forward"
	"github.com/valenti1234/socat-balancer-2/internal/probe"
)

// ResultSource supplies health snapshots; satisfied by *probe.Prober.
type ResultSource interface {
	Results() <-chan probe.Result
}

// Engine reconciles desired state (config) with runtime state (runners).
type Engine struct {
	store     *config.Store
	prober    ResultSource
	runnerCfg forward.Config
	log       zerolog.Logger

	kick chan struct{}

	mu        sync.Mutex
	runners   map[string]*forward.Runner
	last      probe.Result
	hasResult bool
}

// New creates an Engine.
func New(store *config.Store, prober ResultSource, runnerCfg forward.Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		prober:    prober,
		runnerCfg: runnerCfg,
		log:       log.With().Str("component", "engine").Logger(),
		kick:      make(chan struct{}, 1),
		runners:   make(map[string]*forward.Runner),
	}
}

// Serve implements suture.Service. It reconciles on every prober result and
// on every Kick until ctx is cancelled, then stops all runners.
func (e *Engine) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.stopAll()
			return ctx.Err()

		case res := <-e.prober.Results():
			e.mu.Lock()
			e.last = res
			e.hasResult = true
			e.mu.Unlock()
			e.reconcile(res)

		case <-e.kick:
			e.mu.Lock()
			res, ok := e.last, e.hasResult
			e.mu.Unlock()
			if ok {
				e.reconcile(res)
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (e *Engine) String() string {
	return "reconcile-engine"
}

// Kick requests an immediate reconcile with the latest probe snapshot.
// Non-blocking; coalesces with a pending kick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// reconcile walks the current config snapshot, driving each service's
// runner with the given health result and retiring runners whose service is
// gone.
func (e *Engine) reconcile(res probe.Result) {
	services := e.store.ListServices()

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		runner := e.runners[svc.Name]
		if runner == nil {
			runner = forward.NewRunner(svc.Name, e.runnerCfg)
			e.runners[svc.Name] = runner
		}
		seen[svc.Name] = true

		// Health for a service added or renamed since the last probe tick
		// is unknown; its runner is left as it is until the next tick
		// classifies it.
		healthy, known := res.Healthy[svc.Name]
		if !known {
			continue
		}
		runner.Reconcile(svc, healthy)
	}

	for name, runner := range e.runners {
		if !seen[name] {
			runner.Stop()
			delete(e.runners, name)
			e.log.Info().Str("service", name).Msg("runner retired")
		}
	}
}

// DropService synchronously stops and removes the named service's runner.
// Called by the control plane on service removal so the listener closes
// before the HTTP response returns.
func (e *Engine) DropService(name string) {
	e.mu.Lock()
	runner := e.runners[name]
	delete(e.runners, name)
	e.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}

// RenameService carries a runner across a service rename, preserving its
// cursor, restart count and listener.
func (e *Engine) RenameService(oldName, newName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runner := e.runners[oldName]
	if runner == nil {
		return
	}
	delete(e.runners, oldName)
	runner.Rename(newName)
	e.runners[newName] = runner
}

// Statuses returns the runtime status of every runner.
func (e *Engine) Statuses() []forward.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]forward.Status, 0, len(e.runners))
	for _, runner := range e.runners {
		out = append(out, runner.Status())
	}
	return out
}

// stopAll tears down every runner during shutdown.
func (e *Engine) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, runner := range e.runners {
		runner.Stop()
		delete(e.runners, name)
	}
	e.log.Info().Msg("all runners stopped")
}
